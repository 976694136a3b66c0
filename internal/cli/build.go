package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cratehq/boxd/internal/protocol"
)

// Represents the 'boxd build' command.
type BuildCmd struct {
	Recipe string `arg:"" help:"Recipe file. Its directory is the build context."`
	Tag    string `short:"t" required:"" help:"Image reference for the result." placeholder:"REF"`
}

// Executes the build command.
func (c *BuildCmd) Run(ctx context.Context) error {
	recipe, err := filepath.Abs(c.Recipe)
	if err != nil {
		return err
	}
	result, err := request[protocol.BuildResult](protocol.CmdBuild, &protocol.BuildRequest{
		Recipe: recipe,
		Tag:    c.Tag,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s (%d steps)\n", result.Ref, result.Steps)
	return nil
}
