package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wenbnb/wenbnb/internal/bot"
	"github.com/wenbnb/wenbnb/internal/memory"
)

// memoryDoc is the export file format.
type memoryDoc struct {
	UserID int64         `json:"user_id"`
	Record memory.Record `json:"record"`
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Move user memory records in and out of the store",
}

var memoryExportCmd = &cobra.Command{
	Use:   "export <user-id>",
	Short: "Print a user's memory record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("user id %q: %w", args[0], err)
		}
		return withMemory(cmd, func(mem *memory.Engine) error {
			rec, ok, err := mem.Export(user)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no memory for user %d", user)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(memoryDoc{UserID: user, Record: rec})
		})
	},
}

var memoryImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace a user's memory record with an exported one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var doc memoryDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		if doc.UserID == 0 {
			return fmt.Errorf("%s: user_id is missing", args[0])
		}
		return withMemory(cmd, func(mem *memory.Engine) error {
			if err := mem.Import(doc.UserID, doc.Record); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d exchange(s) for user %d\n", len(doc.Record.History), doc.UserID)
			return nil
		})
	},
}

func init() {
	memoryCmd.AddCommand(memoryExportCmd, memoryImportCmd)
}

// withMemory opens the configured stores around fn.
func withMemory(cmd *cobra.Command, fn func(*memory.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stores, _, err := bot.OpenStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	return fn(memory.New(stores.Memory, cfg.Memory.HistoryLimit))
}
