package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"

	"github.com/cratehq/boxd/internal/protocol"
)

// Represents the 'boxd import' command.
type ImportCmd struct {
	Path       string   `arg:"" help:"Tarball to import (plain, gzip, bzip2, xz or zstd)."`
	Ref        string   `arg:"" help:"Image reference for the result."`
	Entrypoint []string `help:"Entrypoint stored in the image configuration." placeholder:"CMD"`
	Env        []string `short:"e" help:"Environment stored in the image configuration." placeholder:"NAME=VALUE"`
}

// Executes the import command.
//
// The daemon reads the tarball itself, so the path is made absolute
// before it crosses the socket.
func (c *ImportCmd) Run(ctx context.Context) error {
	path, err := filepath.Abs(c.Path)
	if err != nil {
		return err
	}
	result, err := request[protocol.ImageResult](protocol.CmdImageImport, &protocol.ImageImportRequest{
		Ref:        c.Ref,
		Path:       path,
		Entrypoint: c.Entrypoint,
		Env:        c.Env,
	})
	if err != nil {
		return err
	}
	fmt.Println(result.Ref)
	return nil
}

// Represents the 'boxd images' command.
type ImagesCmd struct{}

// Executes the images command.
func (c *ImagesCmd) Run(ctx context.Context) error {
	result, err := request[protocol.ImageListResult](protocol.CmdImageList, nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "REF\tLAYERS\tCREATED")
	for _, img := range result.Images {
		fmt.Fprintf(w, "%s\t%d\t%s ago\n", img.Ref, img.Layers,
			units.HumanDuration(time.Since(img.Created)))
	}
	return w.Flush()
}

// Represents the 'boxd rmi' command.
type RmiCmd struct {
	Ref string `arg:"" help:"Image reference to remove."`
}

// Executes the rmi command.
func (c *RmiCmd) Run(ctx context.Context) error {
	_, err := request[empty](protocol.CmdImageRemove, &protocol.ImageRemoveRequest{Ref: c.Ref})
	return err
}

// Represents the 'boxd gc' command.
type GCCmd struct{}

// Executes the gc command.
func (c *GCCmd) Run(ctx context.Context) error {
	result, err := request[protocol.GCResult](protocol.CmdImageGC, nil)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d layer(s)\n", len(result.Removed))
	for _, dgst := range result.Removed {
		fmt.Println(dgst)
	}
	return nil
}
