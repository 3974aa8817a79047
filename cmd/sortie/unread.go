package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(unreadCmd)
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread message counts per event",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		requireAuth(client)

		counts, err := client.Messages.UnreadCounts(context.Background())
		if err != nil {
			return err
		}
		if counts.Total() == 0 {
			fmt.Println("No unread messages.")
			return nil
		}

		ids := make([]int, 0, len(counts))
		for id := range counts {
			ids = append(ids, id)
		}
		sort.Ints(ids)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EVENT\tUNREAD")
		for _, id := range ids {
			if counts[id] > 0 {
				fmt.Fprintf(w, "%d\t%d\n", id, counts[id])
			}
		}
		w.Flush()
		fmt.Printf("Total: %d\n", counts.Total())
		return nil
	},
}
