package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	parley_cmds "github.com/go-go-golems/parley/cmd/parley/cmds"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "parley drives voice, chat and hybrid assistant sessions from the terminal",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

func main() {
	err := clay.InitGlazed("parley", rootCmd)
	cobra.CheckErr(err)

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	chatCmd, err := parley_cmds.NewChatCommand()
	cobra.CheckErr(err)
	command, err := cli.BuildCobraCommand(chatCmd)
	cobra.CheckErr(err)
	rootCmd.AddCommand(command)

	callCmd, err := parley_cmds.NewCallCommand()
	cobra.CheckErr(err)
	command, err = cli.BuildCobraCommand(callCmd)
	cobra.CheckErr(err)
	rootCmd.AddCommand(command)

	storeGroup := parley_cmds.NewStoreGroup()
	showCmd, err := parley_cmds.NewStoreShowCommand()
	cobra.CheckErr(err)
	command, err = cli.BuildCobraCommand(showCmd)
	cobra.CheckErr(err)
	storeGroup.AddCommand(command)

	clearCmd, err := parley_cmds.NewStoreClearCommand()
	cobra.CheckErr(err)
	command, err = cli.BuildCobraCommand(clearCmd)
	cobra.CheckErr(err)
	storeGroup.AddCommand(command)
	rootCmd.AddCommand(storeGroup)

	cobra.CheckErr(rootCmd.Execute())
}
