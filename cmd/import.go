package cmd

import (
	"fmt"
	"os"

	"github.com/andrewstanton1/jobwrap/internal/jobspec"
	"github.com/andrewstanton1/jobwrap/internal/scheduler"
	"github.com/andrewstanton1/jobwrap/internal/utils"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var importOut string

var importCmd = &cobra.Command{
	Use:   "import [flags] <script>",
	Short: "Convert an existing #SBATCH / #PBS script into a job file",
	Long: `Read the directives, module load lines and final command of a batch script
and print the equivalent job file as YAML.

Directives jobwrap does not model (e.g. --mem, -A) are listed on stderr; they
are not carried into the job file.`,
	Example: `  jobwrap import run_sim.sh > sim.yaml
  jobwrap import -w sim.yaml run_sim.pbs`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringVarP(&importOut, "write", "w", "", "Write the job file to this path instead of stdout")
}

func runImport(cmd *cobra.Command, args []string) error {
	specs, schedType, err := scheduler.ParseScriptAny(args[0])
	if err != nil {
		return err
	}
	if !specs.HasDirectives {
		utils.PrintWarning("%s has no #SBATCH or #PBS directives", utils.StylePath(args[0]))
	}
	utils.PrintDebug("Parsed %s as %s", args[0], schedType)

	file := jobFileFromSpecs(specs)
	for _, flag := range specs.RemainingFlags {
		utils.PrintWarning("Directive not carried over: %s", flag)
	}
	if file.Program == "" {
		utils.PrintWarning("No program found in the script body; set program in the job file")
	}

	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode job file: %w", err)
	}
	if importOut == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(importOut, data, utils.PermFile); err != nil {
		return err
	}
	utils.PrintSuccess("Wrote job file %s", utils.StylePath(importOut))
	return nil
}

// jobFileFromSpecs maps parsed script directives back onto job file fields.
func jobFileFromSpecs(specs *scheduler.ScriptSpecs) *jobspec.File {
	file := &jobspec.File{
		Name:     specs.Control.JobName,
		MailType: specs.Control.MailType.String(),
		MailUser: specs.Control.MailUser,
		Output:   specs.Control.Stdout,
		Modules:  specs.Modules,
	}
	if rs := specs.Spec; rs != nil {
		if rs.Time > 0 {
			file.Time = jobspec.FormatWalltime(rs.Time)
		}
		file.Nodes = rs.Nodes
		file.TasksPerNode = rs.TasksPerNode
		file.Partition = rs.Partition
	}
	if a := specs.Array; a != nil {
		rangeOnly := *a
		rangeOnly.Limit = 0
		file.Array = &jobspec.ArrayFile{Range: rangeOnly.String(), Limit: a.Limit}
	}
	if len(specs.Command) > 0 {
		file.Program = specs.Command[0]
		file.Args = specs.Command[1:]
	}
	return file
}
