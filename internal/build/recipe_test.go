package build

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeRecipe(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Boxfile")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseRecipe(t *testing.T) {
	path := writeRecipe(t, `
# comment
FROM alpine:3.20

ENV MODE=release
WORKDIR /app
COPY ./src /app/src
RUN ./src/prepare.sh
ENTRYPOINT /app/serve --port 8080
`)

	recipe, err := ParseRecipe(path)
	if err != nil {
		t.Fatal(err)
	}
	if recipe.Base != "alpine:3.20" {
		t.Fatalf("base = %q, want alpine:3.20", recipe.Base)
	}
	if len(recipe.Steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(recipe.Steps))
	}
	if recipe.Steps[0].Env["MODE"] != "release" {
		t.Fatalf("env step = %v", recipe.Steps[0].Env)
	}
	if recipe.Steps[1].Workdir != "/app" {
		t.Fatalf("workdir step = %q", recipe.Steps[1].Workdir)
	}
	if recipe.Steps[2].CopySrc != "./src" || recipe.Steps[2].CopyDst != "/app/src" {
		t.Fatalf("copy step = %+v", recipe.Steps[2])
	}
	if recipe.Steps[3].Run != "./src/prepare.sh" {
		t.Fatalf("run step = %q", recipe.Steps[3].Run)
	}
	if len(recipe.Entrypoint) != 3 || recipe.Entrypoint[0] != "/app/serve" {
		t.Fatalf("entrypoint = %v", recipe.Entrypoint)
	}
}

func TestParseRecipeRequiresFromFirst(t *testing.T) {
	path := writeRecipe(t, "RUN echo early\nFROM alpine\n")
	if _, err := ParseRecipe(path); !errors.Is(err, ErrRecipe) {
		t.Fatalf("err = %v, want ErrRecipe", err)
	}
}

func TestParseRecipeRejectsDuplicateFrom(t *testing.T) {
	path := writeRecipe(t, "FROM alpine\nFROM debian\n")
	if _, err := ParseRecipe(path); !errors.Is(err, ErrRecipe) {
		t.Fatalf("err = %v, want ErrRecipe", err)
	}
}

func TestParseRecipeRejectsUnknownDirective(t *testing.T) {
	path := writeRecipe(t, "FROM alpine\nVOLUME /data\n")
	if _, err := ParseRecipe(path); !errors.Is(err, ErrRecipe) {
		t.Fatalf("err = %v, want ErrRecipe", err)
	}
}

func TestParseRecipeEmpty(t *testing.T) {
	path := writeRecipe(t, "# nothing\n")
	if _, err := ParseRecipe(path); !errors.Is(err, ErrRecipe) {
		t.Fatalf("err = %v, want ErrRecipe", err)
	}
}

func TestResolveSourceConfinement(t *testing.T) {
	dir := t.TempDir()

	if _, err := resolveSource("../outside", dir); !errors.Is(err, ErrCopy) {
		t.Fatalf("err = %v, want ErrCopy", err)
	}
	if _, err := resolveSource("/etc/passwd", dir); !errors.Is(err, ErrCopy) {
		t.Fatalf("err = %v, want ErrCopy", err)
	}
	resolved, err := resolveSource("sub/file", dir)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != filepath.Join(dir, "sub/file") {
		t.Fatalf("resolved = %q", resolved)
	}
}
