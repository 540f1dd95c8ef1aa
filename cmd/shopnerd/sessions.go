package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and delete persisted browser sessions",
}

// persistedContext mirrors the metadata.json the session manager writes
// per (session, domain, user) context.
type persistedContext struct {
	Domain    string    `json:"domain"`
	Session   string    `json:"session"`
	User      string    `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func sessionsRoot() string {
	return filepath.Join(cfg.Paths.StateDir, "crawler_sessions")
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions and their per-domain contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		root := sessionsRoot()
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No persisted sessions.")
				return nil
			}
			return err
		}

		for _, sess := range entries {
			if !sess.IsDir() {
				continue
			}
			fmt.Println(sess.Name())
			contexts, err := os.ReadDir(filepath.Join(root, sess.Name()))
			if err != nil {
				continue
			}
			for _, c := range contexts {
				meta, err := readContextMetadata(filepath.Join(root, sess.Name(), c.Name(), "metadata.json"))
				if err != nil {
					fmt.Printf("  %s\n", c.Name())
					continue
				}
				fmt.Printf("  %s (user %s, last used %s)\n",
					meta.Domain, meta.User, meta.UpdatedAt.Format(time.RFC3339))
			}
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [session-id]",
	Short: "Delete a persisted session and all its stored state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := filepath.Join(sessionsRoot(), args[0])
		if _, err := os.Stat(dir); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("no persisted session %q", args[0])
			}
			return err
		}
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

func readContextMetadata(path string) (*persistedContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta persistedContext
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}
