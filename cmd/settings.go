package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medleads/clinic-scout/internal/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage exclusion rules and the search suffix",
}

func openSettings() (*settings.Store, error) {
	return settings.Open(cfg.Settings.RulesPath)
}

// -- settings show --

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current settings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		set, err := openSettings()
		if err != nil {
			return err
		}

		snap := set.Snapshot()
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"search_suffix": snap.SearchSuffix,
			"exclusion":     snap.Rules,
		})
	},
}

// -- settings suffix --

var settingsSuffixCmd = &cobra.Command{
	Use:   "suffix <value>",
	Short: "Set the search suffix appended to region queries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := openSettings()
		if err != nil {
			return err
		}
		if err := set.SetSuffix(args[0]); err != nil {
			return err
		}
		fmt.Printf("Search suffix set to %q\n", args[0])
		return nil
	},
}

// -- settings keywords --

var settingsKeywordsCmd = &cobra.Command{
	Use:   "keywords",
	Short: "Manage chain-brand exclusion keywords",
	RunE: func(cmd *cobra.Command, _ []string) error {
		set, err := openSettings()
		if err != nil {
			return err
		}
		for _, k := range set.Snapshot().Rules.Keywords {
			fmt.Println(k)
		}
		return nil
	},
}

var settingsKeywordsAddCmd = &cobra.Command{
	Use:   "add <keyword>",
	Short: "Add an exclusion keyword",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := openSettings()
		if err != nil {
			return err
		}
		if err := set.AddKeyword(args[0]); err != nil {
			return err
		}
		fmt.Printf("Added keyword %q\n", args[0])
		return nil
	},
}

var settingsKeywordsRemoveCmd = &cobra.Command{
	Use:   "remove <keyword>",
	Short: "Remove an exclusion keyword",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := openSettings()
		if err != nil {
			return err
		}
		if err := set.RemoveKeyword(args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed keyword %q\n", args[0])
		return nil
	},
}

func init() {
	settingsKeywordsCmd.AddCommand(settingsKeywordsAddCmd)
	settingsKeywordsCmd.AddCommand(settingsKeywordsRemoveCmd)

	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSuffixCmd)
	settingsCmd.AddCommand(settingsKeywordsCmd)
	rootCmd.AddCommand(settingsCmd)
}
