package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/sortie-app/sortie-go"
	"github.com/spf13/cobra"
)

var (
	nearbyLat    float64
	nearbyLng    float64
	nearbyRadius float64

	createDescription string
	createType        string
	createDate        string
	createLat         float64
	createLng         float64
	createAddress     string
)

func init() {
	eventsNearbyCmd.Flags().Float64Var(&nearbyLat, "lat", 0, "latitude")
	eventsNearbyCmd.Flags().Float64Var(&nearbyLng, "lng", 0, "longitude")
	eventsNearbyCmd.Flags().Float64Var(&nearbyRadius, "radius", 0, "radius in km (default: profile radius)")
	eventsNearbyCmd.MarkFlagRequired("lat")
	eventsNearbyCmd.MarkFlagRequired("lng")

	eventsCreateCmd.Flags().StringVar(&createDescription, "description", "", "event description")
	eventsCreateCmd.Flags().StringVar(&createType, "type", "", "event type (e.g. sport, concert, meetup)")
	eventsCreateCmd.Flags().StringVar(&createDate, "date", "", "event date, RFC 3339")
	eventsCreateCmd.Flags().Float64Var(&createLat, "lat", 0, "latitude")
	eventsCreateCmd.Flags().Float64Var(&createLng, "lng", 0, "longitude")
	eventsCreateCmd.Flags().StringVar(&createAddress, "address", "", "street address")
	eventsCreateCmd.MarkFlagRequired("date")
	eventsCreateCmd.MarkFlagRequired("lat")
	eventsCreateCmd.MarkFlagRequired("lng")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsNearbyCmd)
	eventsCmd.AddCommand(eventsShowCmd)
	eventsCmd.AddCommand(eventsCreateCmd)
	eventsCmd.AddCommand(eventsJoinCmd)
	eventsCmd.AddCommand(eventsMineCmd)
	rootCmd.AddCommand(eventsCmd)
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Browse and join events",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all events",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		requireAuth(client)

		events, err := client.Events.List(context.Background())
		if err != nil {
			return err
		}
		printEvents(events)
		return nil
	},
}

var eventsNearbyCmd = &cobra.Command{
	Use:   "nearby",
	Short: "List events near a location",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		requireAuth(client)

		events, err := client.Events.Nearby(context.Background(), &sortie.NearbyOptions{
			Latitude:  nearbyLat,
			Longitude: nearbyLng,
			RadiusKm:  nearbyRadius,
		})
		if err != nil {
			return err
		}
		printEvents(events)
		return nil
	},
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show one event with its participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventID := parseEventID(args[0])
		client, _ := getClient()
		requireAuth(client)

		event, err := client.Events.Get(context.Background(), eventID)
		if err != nil {
			return err
		}
		fmt.Printf("#%d %s\n", event.ID, event.Title)
		if event.Description != "" {
			fmt.Println(event.Description)
		}
		fmt.Printf("Type:  %s\n", event.Type)
		fmt.Printf("Date:  %s\n", event.Date)
		if event.Address != "" {
			fmt.Printf("Where: %s (%.5f, %.5f)\n", event.Address, event.Latitude, event.Longitude)
		} else {
			fmt.Printf("Where: %.5f, %.5f\n", event.Latitude, event.Longitude)
		}
		if event.Creator != nil {
			fmt.Printf("By:    %s\n", event.Creator.Username)
		}
		if len(event.Participants) > 0 {
			fmt.Printf("Participants (%d):\n", len(event.Participants))
			for _, p := range event.Participants {
				if p.User != nil {
					fmt.Printf("  - %s\n", p.User.Username)
				}
			}
		}
		return nil
	},
}

var eventsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		requireAuth(client)

		event, err := client.Events.Create(context.Background(), &sortie.CreateEventOptions{
			Title:       args[0],
			Description: createDescription,
			Type:        createType,
			Date:        createDate,
			Latitude:    createLat,
			Longitude:   createLng,
			Address:     createAddress,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Created event #%d: %s\n", event.ID, event.Title)
		return nil
	},
}

var eventsJoinCmd = &cobra.Command{
	Use:   "join <event-id>",
	Short: "Join an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventID := parseEventID(args[0])
		client, _ := getClient()
		requireAuth(client)

		if err := client.Events.Join(context.Background(), eventID); err != nil {
			return err
		}
		fmt.Printf("Joined event #%d\n", eventID)
		return nil
	},
}

var eventsMineCmd = &cobra.Command{
	Use:   "mine",
	Short: "List events you participate in",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		requireAuth(client)

		events, err := client.Events.MyParticipations(context.Background())
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No participations yet. Try: sortie events nearby --lat ... --lng ...")
			return nil
		}
		plain := make([]sortie.Event, len(events))
		for i, e := range events {
			plain[i] = e.Event
		}
		printEvents(plain)
		return nil
	},
}

func printEvents(events []sortie.Event) {
	if len(events) == 0 {
		fmt.Println("No events found.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tTYPE\tDATE")
	for _, e := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.ID, e.Title, e.Type, e.Date)
	}
	w.Flush()
}

func parseEventID(arg string) int {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "Error: event id must be a positive integer, got %q\n", arg)
		os.Exit(1)
	}
	return id
}
