package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	apiv1 "github.com/quarry-sh/quarry/api/v1"
)

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

// Claim commands

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Manage capacity claims",
}

var claimCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new claim",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		capacity, _ := cmd.Flags().GetString("capacity")
		class, _ := cmd.Flags().GetString("class")
		access, _ := cmd.Flags().GetString("access")
		fromSnapshot, _ := cmd.Flags().GetString("from-snapshot")

		claim, err := apiClient(cmd).CreateClaim(context.Background(), apiv1.CreateClaimRequest{
			Name:             args[0],
			Class:            class,
			Capacity:         capacity,
			AccessMode:       access,
			SourceSnapshotID: fromSnapshot,
		})
		if err != nil {
			return err
		}

		fmt.Printf("✓ Claim %s created (%s)\n", claim.ID, claim.Capacity)
		return nil
	},
}

var claimListCmd = &cobra.Command{
	Use:   "list",
	Short: "List claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		claims, err := apiClient(cmd).ListClaims(context.Background())
		if err != nil {
			return err
		}

		w := newTabWriter()
		fmt.Fprintln(w, "ID\tNAME\tCAPACITY\tPHASE\tVOLUME")
		for _, c := range claims {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Capacity, c.Phase, c.VolumeID)
		}
		return w.Flush()
	},
}

var claimInspectCmd = &cobra.Command{
	Use:   "inspect ID",
	Short: "Show claim details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		claim, err := apiClient(cmd).GetClaim(context.Background(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:          %s\n", claim.ID)
		fmt.Printf("Name:        %s\n", claim.Name)
		fmt.Printf("Class:       %s\n", claim.Class)
		fmt.Printf("Capacity:    %s\n", claim.Capacity)
		fmt.Printf("Access:      %s\n", claim.AccessMode)
		fmt.Printf("Phase:       %s\n", claim.Phase)
		if claim.VolumeID != "" {
			fmt.Printf("Volume:      %s\n", claim.VolumeID)
		}
		if claim.SourceSnapshot != "" {
			fmt.Printf("Source:      %s\n", claim.SourceSnapshot)
		}
		if claim.Reason != "" {
			fmt.Printf("Reason:      %s\n", claim.Reason)
		}
		return nil
	},
}

var claimDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Release a claim and tear down its volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DeleteClaim(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Claim %s released\n", args[0])
		return nil
	},
}

func init() {
	claimCmd.AddCommand(claimCreateCmd)
	claimCmd.AddCommand(claimListCmd)
	claimCmd.AddCommand(claimInspectCmd)
	claimCmd.AddCommand(claimDeleteCmd)

	claimCreateCmd.Flags().String("capacity", "", "Requested capacity, e.g. 50Gi")
	claimCreateCmd.Flags().String("class", "", "Storage class (empty = cluster default)")
	claimCreateCmd.Flags().String("access", "", "Access mode: single-writer or multi-reader")
	claimCreateCmd.Flags().String("from-snapshot", "", "Clone from an existing snapshot")
	_ = claimCreateCmd.MarkFlagRequired("capacity")
}

// Volume commands

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Inspect volumes",
}

var volumeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		volumes, err := apiClient(cmd).ListVolumes(context.Background())
		if err != nil {
			return err
		}

		w := newTabWriter()
		fmt.Fprintln(w, "ID\tCLAIM\tCLASS\tCAPACITY\tPHASE\tWRITER")
		for _, v := range volumes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", v.ID, v.ClaimID, v.Class, v.Capacity, v.Phase, v.WriterNode)
		}
		return w.Flush()
	},
}

var volumeInspectCmd = &cobra.Command{
	Use:   "inspect ID",
	Short: "Show volume details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		volume, err := apiClient(cmd).GetVolume(context.Background(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:          %s\n", volume.ID)
		fmt.Printf("Claim:       %s\n", volume.ClaimID)
		fmt.Printf("Class:       %s\n", volume.Class)
		fmt.Printf("Capacity:    %s\n", volume.Capacity)
		fmt.Printf("Access:      %s\n", volume.AccessMode)
		fmt.Printf("Phase:       %s\n", volume.Phase)
		fmt.Printf("Handle:      %s\n", volume.Handle)
		fmt.Printf("Encrypted:   %v\n", volume.Encrypted)
		if volume.Source != "" {
			fmt.Printf("Source:      %s\n", volume.Source)
		}
		if volume.WriterNode != "" {
			fmt.Printf("Writer:      %s\n", volume.WriterNode)
		}
		if volume.Reason != "" {
			fmt.Printf("Reason:      %s\n", volume.Reason)
		}

		attachments, err := apiClient(cmd).VolumeAttachments(context.Background(), args[0])
		if err != nil {
			return err
		}
		if len(attachments) > 0 {
			fmt.Println("Attachments:")
			for _, a := range attachments {
				fmt.Printf("  %s  %s -> %s\n", a.NodeID, a.ActualState, a.DesiredState)
			}
		}
		return nil
	},
}

func init() {
	volumeCmd.AddCommand(volumeListCmd)
	volumeCmd.AddCommand(volumeInspectCmd)
}

// Snapshot commands

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create VOLUME",
	Short: "Snapshot a bound volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := apiClient(cmd).CreateSnapshot(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Snapshot %s requested\n", snap.ID)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshots, err := apiClient(cmd).ListSnapshots(context.Background())
		if err != nil {
			return err
		}

		w := newTabWriter()
		fmt.Fprintln(w, "ID\tVOLUME\tSTATE\tCLONES")
		for _, s := range snapshots {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.ID, s.VolumeID, s.State, s.ActiveClones)
		}
		return w.Flush()
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DeleteSnapshot(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Snapshot %s deleted\n", args[0])
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
}

// Attachment commands

var attachCmd = &cobra.Command{
	Use:   "attach VOLUME NODE",
	Short: "Attach a volume to a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		att, err := apiClient(cmd).Attach(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Attach %s requested\n", att.ID)
		return nil
	},
}

var detachCmd = &cobra.Command{
	Use:   "detach VOLUME NODE",
	Short: "Detach a volume from a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).Detach(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Detach of %s from %s requested\n", args[0], args[1])
		return nil
	},
}

// Class commands

var classCmd = &cobra.Command{
	Use:   "class",
	Short: "Inspect storage classes",
}

var classListCmd = &cobra.Command{
	Use:   "list",
	Short: "List storage classes",
	RunE: func(cmd *cobra.Command, args []string) error {
		classes, err := apiClient(cmd).ListClasses(context.Background())
		if err != nil {
			return err
		}

		w := newTabWriter()
		fmt.Fprintln(w, "ID\tMEDIA\tBACKEND\tREPLICAS\tENCRYPTED\tDEFAULT")
		for _, c := range classes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%v\n", c.ID, c.Media, c.Backend, c.Replication, c.Encrypted, c.Default)
		}
		return w.Flush()
	},
}

func init() {
	classCmd.AddCommand(classListCmd)
}

// Event stream

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream controller lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiClient(cmd).StreamEvents(cmd.Context(), func(e apiv1.Event) {
			fmt.Printf("%s  %-28s %s  %s\n", e.Timestamp.Format("15:04:05"), e.Type, e.EntityID, e.Message)
		})
	},
}
