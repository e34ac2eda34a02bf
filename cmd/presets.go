package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"sipwatch/internal/config"
)

var presetsFile string

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List named filter/sort presets from a presets YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		presets, err := config.LoadPresets(presetsFile)
		if err != nil {
			return err
		}
		if len(presets) == 0 {
			fmt.Println("no presets configured")
			return nil
		}

		names := make([]string, 0, len(presets))
		for name := range presets {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			p := presets[name]
			fmt.Printf("%s\tmethods=%v\tpayload=%q\tnegate=%v\tsort=%s\n",
				p.Name, p.Methods, p.Payload, p.Negate, p.Sort)
		}
		return nil
	},
}

func init() {
	presetsCmd.Flags().StringVar(&presetsFile, "file", "", "presets YAML file")
	presetsCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(presetsCmd)
}
