package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nzbcore/nzbcore/internal/config"
	"github.com/nzbcore/nzbcore/internal/webdavauth"
)

func init() {
	setPasswordCmd := &cobra.Command{
		Use:   "set-webdav-password <user> <password>",
		Short: "Hash a password and store it as the WebDAV credential",
		Args:  cobra.ExactArgs(2),
		RunE:  runSetWebdavPassword,
	}
	rootCmd.AddCommand(setPasswordCmd)
}

func runSetWebdavPassword(cmd *cobra.Command, args []string) error {
	user, password := args[0], args[1]

	cfgManager, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	hash, err := webdavauth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	cfg := cfgManager.GetConfig().DeepCopy()
	cfg.WebDAV.User = user
	cfg.WebDAV.PasswordHash = hash
	if err := cfgManager.UpdateConfig(cfg); err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	if err := cfgManager.Persist(); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}

	cmd.Printf("webdav credential set for %s\n", user)
	return nil
}
