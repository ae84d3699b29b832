package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/paulgrammer/d3d/internal/imagewriter"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect PATH...",
		Short: "Print the prompts embedded in saved images",
		Long:  "inspect prints the original and revised prompt of each image. A directory\nargument inspects every d3d image directly inside it.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := expandPaths(args)
			if err != nil {
				return err
			}
			var failed int
			for _, name := range files {
				if err := inspectFile(cmd.OutOrStdout(), name); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", name, err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files could not be read", failed, len(files))
			}
			return nil
		},
	}
}

func expandPaths(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && imagewriter.HasSuffix(e.Name()) {
				files = append(files, filepath.Join(arg, e.Name()))
			}
		}
	}
	return files, nil
}

func inspectFile(out io.Writer, name string) error {
	data, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	original, revised, err := imagewriter.Prompts(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n  %s: %s\n  %s: %s\n", name,
		imagewriter.KeyOriginalPrompt, original,
		imagewriter.KeyRevisedPrompt, revised)
	return nil
}
