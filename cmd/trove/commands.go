package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jacentio/trove/store"
)

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [partitionKey] [type]",
		Short: "Prints the document as JSON, or null if it does not exist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd)
			defer cancel()
			doc, err := a.store.Get(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
}

func (a *app) saveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save [partitionKey] [type] [payload]",
		Short: "Creates or replaces a document with a JSON object payload",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseObject(args[2])
			if err != nil {
				return err
			}
			ctx, cancel := a.withTimeout(cmd)
			defer cancel()
			if err := a.store.Save(ctx, args[0], args[1], payload); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "saved successfully")
			return nil
		},
	}
}

func (a *app) saveIfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save-if [partitionKey] [type] [payload] [version]",
		Short: "Replaces a document only if its current version matches",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseObject(args[2])
			if err != nil {
				return err
			}
			ctx, cancel := a.withTimeout(cmd)
			defer cancel()
			if err := a.store.SaveWithConcurrency(ctx, args[0], args[1], payload, args[3]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "saved successfully")
			return nil
		},
	}
}

func (a *app) versionOfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version-of [partitionKey] [type]",
		Short: "Prints the payload and version token of a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd)
			defer cancel()
			payload, version, err := a.store.GetWithVersion(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Payload map[string]any `json:"payload"`
				Version string         `json:"version"`
			}{payload, version})
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [partitionKey] [type]",
		Short: "Deletes a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd)
			defer cancel()
			if err := a.store.Delete(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted successfully")
			return nil
		},
	}
}

func (a *app) queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query [partitionKey] [type] [filter]",
		Short: "Lists documents of a type whose fields equal the JSON object filter",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter map[string]any
			if len(args) == 3 {
				var err error
				if filter, err = parseObject(args[2]); err != nil {
					return err
				}
			}
			ctx, cancel := a.withTimeout(cmd)
			defer cancel()
			docs, err := a.store.Query(ctx, args[0], args[1], filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
}

func (a *app) batchSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch-save [file]",
		Short: "Saves a JSON array of {partitionKey, type, payload} items; reads stdin if file is - or omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			var items []store.BatchItem
			if err := json.NewDecoder(in).Decode(&items); err != nil {
				return fmt.Errorf("items must be a JSON array: %w", err)
			}

			ctx, cancel := a.withTimeout(cmd)
			defer cancel()
			if err := a.store.BatchSave(ctx, items); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %d items successfully\n", len(items))
			return nil
		},
	}
}

func parseObject(arg string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(arg), &obj); err != nil {
		return nil, fmt.Errorf("%q is not a JSON object: %w", arg, err)
	}
	return obj, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
