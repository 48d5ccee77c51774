package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/secrets"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage encrypted secrets available as ${{ secrets.KEY }}",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a secret; the value is read from stdin when omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value string
		if len(args) == 2 {
			value = args[1]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			value = strings.TrimRight(line, "\r\n")
		}
		return secretSet(cmd.Context(), currentConfig(), args[0], value)
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secret keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return secretList(cmd.Context(), currentConfig(), cmd.OutOrStdout())
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return secretDelete(cmd.Context(), currentConfig(), args[0])
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd, secretListCmd, secretDeleteCmd)
	rootCmd.AddCommand(secretCmd)
}

// withVault opens the store and vault for one secret command.
func withVault(ctx context.Context, cfg Config, fn func(v secrets.Vault) error) error {
	if cfg.VaultKey == "" {
		return fmt.Errorf("STEPFLOW_VAULT_KEY is not set")
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("secrets need a database; set --db or STEPFLOW_DB_PATH")
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := openVault(cfg, st)
	if err != nil {
		return err
	}
	return fn(v)
}

func secretSet(ctx context.Context, cfg Config, key, value string) error {
	return withVault(ctx, cfg, func(v secrets.Vault) error {
		return v.Store(ctx, key, []byte(value))
	})
}

func secretList(ctx context.Context, cfg Config, out io.Writer) error {
	return withVault(ctx, cfg, func(v secrets.Vault) error {
		keys, err := v.List(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
		return nil
	})
}

func secretDelete(ctx context.Context, cfg Config, key string) error {
	return withVault(ctx, cfg, func(v secrets.Vault) error {
		return v.Delete(ctx, key)
	})
}
