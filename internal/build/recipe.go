package build

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// A parsed recipe: a base image and an ordered list of steps.
type Recipe struct {
	Base       string
	Steps      []Step
	Entrypoint []string
}

// One recipe line. Exactly one field group is set: an operation (Run or
// Copy), or a modifier (Shell, Workdir, Env).
type Step struct {
	Run     string
	CopySrc string
	CopyDst string
	Shell   string
	Workdir string
	Env     map[string]string
}

// Whether the step performs work, as opposed to mutating modifier state.
func (s Step) isOperation() bool {
	return s.Run != "" || s.CopySrc != ""
}

// Parses a recipe file.
//
// The format is line-oriented: a directive keyword followed by its
// arguments. Blank lines and lines starting with # are skipped. FROM
// must come first; ENTRYPOINT may appear once, anywhere after it.
//
//	FROM alpine:latest
//	ENV MODE=release
//	WORKDIR /app
//	COPY ./src /app/src
//	RUN ./src/prepare.sh
//	ENTRYPOINT /app/src/serve.sh
func ParseRecipe(path string) (*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecipe, err)
	}
	defer f.Close()

	recipe := &Recipe{}
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		directive, args, _ := strings.Cut(line, " ")
		args = strings.TrimSpace(args)

		if recipe.Base == "" && !strings.EqualFold(directive, "FROM") {
			return nil, fmt.Errorf("%w: line %d: first directive must be FROM", ErrRecipe, lineno)
		}

		switch strings.ToUpper(directive) {
		case "FROM":
			if recipe.Base != "" {
				return nil, fmt.Errorf("%w: line %d: duplicate FROM", ErrRecipe, lineno)
			}
			if args == "" {
				return nil, fmt.Errorf("%w: line %d: FROM needs an image reference", ErrRecipe, lineno)
			}
			recipe.Base = args
		case "RUN":
			if args == "" {
				return nil, fmt.Errorf("%w: line %d: RUN needs a command", ErrRecipe, lineno)
			}
			recipe.Steps = append(recipe.Steps, Step{Run: args})
		case "COPY":
			fields := strings.Fields(args)
			if len(fields) != 2 {
				return nil, fmt.Errorf("%w: line %d: COPY needs a source and a destination", ErrRecipe, lineno)
			}
			recipe.Steps = append(recipe.Steps, Step{CopySrc: fields[0], CopyDst: fields[1]})
		case "ENV":
			name, value, ok := strings.Cut(args, "=")
			if !ok || name == "" {
				return nil, fmt.Errorf("%w: line %d: ENV needs NAME=value", ErrRecipe, lineno)
			}
			recipe.Steps = append(recipe.Steps, Step{Env: map[string]string{name: value}})
		case "WORKDIR":
			if args == "" {
				return nil, fmt.Errorf("%w: line %d: WORKDIR needs a path", ErrRecipe, lineno)
			}
			recipe.Steps = append(recipe.Steps, Step{Workdir: args})
		case "SHELL":
			if args == "" {
				return nil, fmt.Errorf("%w: line %d: SHELL needs a path", ErrRecipe, lineno)
			}
			recipe.Steps = append(recipe.Steps, Step{Shell: args})
		case "ENTRYPOINT":
			if args == "" {
				return nil, fmt.Errorf("%w: line %d: ENTRYPOINT needs a command", ErrRecipe, lineno)
			}
			recipe.Entrypoint = strings.Fields(args)
		default:
			return nil, fmt.Errorf("%w: line %d: unknown directive %s", ErrRecipe, lineno, directive)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecipe, err)
	}
	if recipe.Base == "" {
		return nil, fmt.Errorf("%w: recipe has no FROM directive", ErrRecipe)
	}
	return recipe, nil
}
