// pingdf inspects and repairs the binary ring-buffer datafiles used by the
// legacy storage backend.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesbtate/ping-server/internal/datafile"
	"github.com/jamesbtate/ping-server/internal/latency"
)

func main() {
	root := &cobra.Command{
		Use:           "pingdf",
		Short:         "Inspect and repair binary ping datafiles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newGenerateCmd(), newDumpCmd(), newRepairCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newGenerateCmd() *cobra.Command {
	var records uint64
	var maxRecords uint64
	cmd := &cobra.Command{
		Use:   "generate <path>",
		Short: "Create a datafile populated with synthetic samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			df, err := datafile.Create(args[0], maxRecords)
			if err != nil {
				return err
			}
			defer df.Close()
			epoch := uint32(time.Now().Unix()) - uint32(records)
			for i := uint64(0); i < records; i++ {
				lat := latency.EncodeSeconds(float64(i%1000) / 10000.0)
				if i%100 == 99 {
					lat = latency.Timeout
				}
				if err := df.Append(epoch+uint32(i), lat); err != nil {
					return err
				}
			}
			fmt.Printf("wrote %d records to %s\n", records, args[0])
			return nil
		},
	}
	cmd.Flags().Uint64Var(&records, "records", 3600, "number of synthetic records to write")
	cmd.Flags().Uint64Var(&maxRecords, "max-records", datafile.DefaultMaxRecords, "data area capacity in records")
	return cmd
}

func newDumpCmd() *cobra.Command {
	var headerOnly bool
	cmd := &cobra.Command{
		Use:   "dump <path>",
		Short: "Print a datafile's header and records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			df, err := datafile.Open(args[0])
			if err != nil {
				return err
			}
			defer df.Close()
			fmt.Printf("offset: %d  n_records: %d  max_records: %d\n",
				df.Offset(), df.NumRecords(), df.MaxRecords())
			if headerOnly {
				return nil
			}
			records, err := df.ReadAll()
			if err != nil {
				return err
			}
			for _, r := range records {
				if seconds, ok := latency.Decode(r.Latency); ok {
					fmt.Printf("%d %.6f\n", r.Epoch, seconds)
				} else {
					fmt.Printf("%d timeout\n", r.Epoch)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&headerOnly, "header", false, "print the header only")
	return cmd
}

func newRepairCmd() *cobra.Command {
	var maxRecords uint64
	cmd := &cobra.Command{
		Use:   "repair <src> <dst>",
		Short: "Rewrite a datafile into a fresh file, normalizing its geometry",
		Long: "Reads every record of src in write order and writes them into a new\n" +
			"datafile at dst with the given capacity. Use this to change a file's\n" +
			"max_records or to linearize a rotated file.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := datafile.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()
			records, err := src.ReadAll()
			if err != nil {
				return err
			}
			if uint64(len(records)) > maxRecords {
				records = records[uint64(len(records))-maxRecords:]
			}
			dst, err := datafile.Create(args[1], maxRecords)
			if err != nil {
				return err
			}
			defer dst.Close()
			if err := dst.OverwriteAll(records); err != nil {
				return err
			}
			fmt.Printf("wrote %d records to %s\n", len(records), args[1])
			return nil
		},
	}
	cmd.Flags().Uint64Var(&maxRecords, "max-records", datafile.DefaultMaxRecords, "data area capacity of the new file")
	return cmd
}
