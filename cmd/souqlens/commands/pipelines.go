package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List the pipelines and exports in the definitions file",
	RunE:  runPipelinesList,
}

func init() {
	rootCmd.AddCommand(pipelinesCmd)
}

func runPipelinesList(cmd *cobra.Command, args []string) error {
	file, err := loadPipelines()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tSOURCE\tINDEX\tCATEGORY")
	for _, p := range file.Pipelines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Kind, p.Source, p.Index, p.Category)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(file.Exports) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EXPORT KEY\tFEEDS")
		for _, ex := range file.Exports {
			fmt.Fprintf(w, "%s\t%d\n", ex.Key, len(ex.Feeds))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}
