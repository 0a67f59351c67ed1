package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/agrimarket/agrimarket/pkg/client"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ── listings ─────────────────────────────────────────────────────────────────

var (
	listStatus string
	listFarmer string
	listCrop   string
	listLimit  int
)

var listingsCmd = &cobra.Command{
	Use:   "listings",
	Short: "List marketplace listings, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := publicClient()
		if err != nil {
			return err
		}
		page, err := c.ListListings(context.Background(), client.ListOptions{
			Status:   listStatus,
			FarmerID: listFarmer,
			Crop:     listCrop,
			Limit:    listLimit,
		})
		if err != nil {
			return fmt.Errorf("list listings: %w", err)
		}
		if outFormat == "json" {
			return printJSON(page)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCROP\tQTY\tFARMER\tSTATUS\tEXPECTED\tEXPIRES")
		for _, l := range page.Listings {
			fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\t%s\n",
				l.ID, l.Crop, l.Quantity, l.Unit, l.FarmerID, l.Status, l.ExpectedPrice,
				l.ExpiresAt.Format(time.RFC3339))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d of %d listing(s)\n", page.Count, page.Total)
		return nil
	},
}

var listingCmd = &cobra.Command{
	Use:   "listing <id>",
	Short: "Show a listing and all of its bids",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := publicClient()
		if err != nil {
			return err
		}
		d, err := c.GetListing(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get listing: %w", err)
		}
		if outFormat == "json" {
			return printJSON(d)
		}

		l := d.Listing
		fmt.Printf("Listing:  %s\n", l.ID)
		fmt.Printf("Crop:     %s (%s %s)\n", l.Crop, l.Quantity, l.Unit)
		fmt.Printf("Farmer:   %s\n", l.FarmerID)
		fmt.Printf("Status:   %s\n", l.Status)
		fmt.Printf("Expected: %s\n", l.ExpectedPrice)
		if l.MinPrice != nil {
			fmt.Printf("Floor:    %s\n", l.MinPrice)
		}
		fmt.Printf("Expires:  %s\n\n", l.ExpiresAt.Format(time.RFC3339))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BID\tBUYER\tAMOUNT\tQTY\tSTATUS\tEXPIRES")
		for _, b := range d.Bids {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				b.ID, b.BuyerID, b.Amount, b.Quantity, b.Status, b.ExpiresAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// ── trust ────────────────────────────────────────────────────────────────────

var trustCmd = &cobra.Command{
	Use:   "trust <user-id> [user-id] ...",
	Short: "Show trust scores for one or more users",
	Long: `trust prints each user's rating count and average. Multiple users are
fetched concurrently and displayed as a table.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := publicClient()
		if err != nil {
			return err
		}

		states := make([]*client.TrustState, len(args))
		g, ctx := errgroup.WithContext(context.Background())
		g.SetLimit(8)
		for i, userID := range args {
			g.Go(func() error {
				st, err := c.TrustScore(ctx, userID)
				if err != nil {
					return fmt.Errorf("trust %s: %w", userID, err)
				}
				states[i] = st
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if outFormat == "json" {
			out := make(map[string]*client.TrustState, len(args))
			for i, userID := range args {
				out[userID] = states[i]
			}
			return printJSON(out)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tRATINGS\tAVERAGE")
		for i, userID := range args {
			fmt.Fprintf(w, "%s\t%d\t%.2f\n", userID, states[i].TotalRatings, states[i].AvgRating)
		}
		return w.Flush()
	},
}

// ── admin ────────────────────────────────────────────────────────────────────

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Run one expiry sweep on the server now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient()
		if err != nil {
			return err
		}
		ts, err := c.ExpireStale(context.Background())
		if err != nil {
			return fmt.Errorf("expire: %w", err)
		}
		if outFormat == "json" {
			return printJSON(ts)
		}
		for _, t := range ts {
			fmt.Printf("  %-7s %s  %s → %s  (nonce %d)\n", t.Entity, t.ID, t.From, t.To, t.Nonce)
		}
		fmt.Printf("%d transition(s)\n", len(ts))
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <user-id>",
	Short: "Rebuild a user's trust score from the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient()
		if err != nil {
			return err
		}
		st, err := c.ReconcileTrust(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		if outFormat == "json" {
			return printJSON(st)
		}
		fmt.Printf("%s: %d rating(s), average %.2f\n", args[0], st.TotalRatings, st.AvgRating)
		return nil
	},
}

func init() {
	listingsCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (ACTIVE, SOLD, EXPIRED, CANCELLED)")
	listingsCmd.Flags().StringVar(&listFarmer, "farmer", "", "Filter by farmer ID")
	listingsCmd.Flags().StringVar(&listCrop, "crop", "", "Filter by crop")
	listingsCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum listings to show")

	rootCmd.AddCommand(listingsCmd)
	rootCmd.AddCommand(listingCmd)
	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(reconcileCmd)
}
