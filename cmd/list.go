package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facecollect/internal/types"
	"github.com/andresmejia3/facecollect/internal/utils"
	"github.com/spf13/cobra"
)

var listSubject string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List capture sessions and their extraction status",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd)
	},
}

func init() {
	listCmd.Flags().StringVarP(&listSubject, "subject", "s", "", "Only list sessions of this subject")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) {
	var sessions []types.Session
	if DB != nil {
		var err error
		sessions, err = DB.ListSessions(cmd.Context(), listSubject)
		if err != nil {
			utils.Die("Failed to list sessions", err, nil)
		}
	} else {
		registry := newRegistry()
		if _, err := registry.Load(); err != nil {
			utils.Die("Failed to load session records", err, nil)
		}
		sessions = registry.List(listSubject)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSUBJECT\tNAME\tUPLOADED\tEXTRACTED\tFACES\tSTARTED")
	fmt.Fprintln(w, "-------\t-------\t----\t--------\t---------\t-----\t-------")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%d\t%s\n", s.SessionID, s.SubjectID, s.Name,
			s.VideoUploaded, s.FacesExtracted, s.FacesCount, s.CreatedAt.Local().Format("2006-01-02 15:04"))
		if s.LastError != "" {
			fmt.Fprintf(w, "\t↳ %s\t\t\t\t\t\n", s.LastError)
		}
	}
	w.Flush()
}
