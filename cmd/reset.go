package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/facecollect/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetSubject string
	resetYes     bool
	resetDB      bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset a subject's extracted faces (videos and session records are kept)",
	Long: "Deletes every face tile in the subject's folder and marks all of the subject's sessions " +
		"as not extracted. With --db-tables the session mirror tables are dropped as well.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := utils.ValidateSubjectID(resetSubject); err != nil {
			utils.Die("Invalid subject", err, nil)
		}

		reader := bufio.NewReader(os.Stdin)

		if resetYes || confirm(reader, fmt.Sprintf("⚠️  Delete all face tiles of subject %s?", resetSubject)) {
			registry := newRegistry()
			if _, err := registry.Load(); err != nil {
				utils.Die("Failed to load session records", err, nil)
			}
			res, err := registry.Reset(cmd.Context(), resetSubject)
			if err != nil {
				utils.Die("Failed to reset subject", err, nil)
			}
			fmt.Printf("🗑️  Removed %d tiles, reset %d sessions.\n", res.TilesRemoved, len(res.Sessions))
		}

		if resetDB {
			if DB == nil {
				utils.Die("No database configured", nil, nil)
			}
			if resetYes || confirm(reader, "⚠️  Are you sure you want to DROP the session mirror tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		fmt.Println("✨ Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().StringVarP(&resetSubject, "subject", "s", "", "Subject whose tiles are removed")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip confirmation prompts")
	resetCmd.Flags().BoolVar(&resetDB, "db-tables", false, "Also drop the PostgreSQL session mirror")
	resetCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
