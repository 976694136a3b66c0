// Package build orchestrates recipe execution against the container
// engine.
//
// A recipe is a line-oriented file: a FROM base image followed by an
// ordered list of steps (shell commands, file copies, and modifier
// directives for environment, workdir and shell). Each operation runs in
// a fresh container created from the previous step's result and is
// committed as an intermediate image, so the chain of layers mirrors the
// chain of steps. The final result is tagged with the caller's reference
// and configured with the recipe's entrypoint.
//
// Step state (environment variables, working directory, shell) is
// accumulated across steps the way the stepState type documents.
//
// Example usage:
//
//	result, err := build.Run(ctx, manager, layers, build.Options{
//	    Recipe: "./Boxfile",
//	    Tag:    "my-service:latest",
//	})
//	if err != nil {
//	    return err
//	}
package build
