package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyfort/keyfort/backup"
	"github.com/keyfort/keyfort/identity"
	"github.com/keyfort/keyfort/masterkey"
	bboltstorage "github.com/keyfort/keyfort/storage/bbolt"
	"github.com/keyfort/keyfort/vault"
)

var (
	backupName     string
	backupPassword string
	backupCompress bool
	backupEncrypt  bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage vault backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backup of the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := bboltstorage.NewStoreFromFile(filepath.Join(dataDir, "keyfort.db"), nil)
		if err != nil {
			return fmt.Errorf("failed to open vault storage: %w", err)
		}
		defer kv.Close()

		keys := masterkey.NewService(identityFromEnv(), kv)
		material, err := keys.Generate(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to derive master key: %w", err)
		}

		store := vault.NewStore(kv)
		entries, err := store.ListEntries(material.Key)
		if err != nil {
			return fmt.Errorf("failed to load entries: %w", err)
		}
		categories, err := store.LoadCategories(material.Key)
		if err != nil {
			return fmt.Errorf("failed to load categories: %w", err)
		}
		settings, err := store.LoadSettings()
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}

		opts := backup.DefaultCreateOptions()
		opts.Filename = backupName
		opts.Compress = backupCompress
		opts.Encrypt = backupEncrypt
		opts.Password = backupPassword

		engine := backup.NewEngine(backupDir, store)
		result := engine.CreateBackup(cmd.Context(), entries, categories, settings, opts)
		if !result.Success {
			return fmt.Errorf("backup failed: %s", strings.Join(result.Errors, "; "))
		}
		fmt.Printf("Backup written to %s (%d entries)\n", result.Path, len(entries))
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup files",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := backup.NewEngine(backupDir, nil)
		infos, err := engine.ListBackups()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No backups found.")
			return nil
		}
		for _, info := range infos {
			flags := make([]string, 0, 2)
			if info.Encrypted {
				flags = append(flags, "encrypted")
			}
			if info.Compressed {
				flags = append(flags, "compressed")
			}
			suffix := ""
			if len(flags) > 0 {
				suffix = " [" + strings.Join(flags, ",") + "]"
			}
			fmt.Printf("%s\t%d bytes\t%s%s\n", info.Name, info.Size, info.ModTime.Format("2006-01-02 15:04:05"), suffix)
		}
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Verify a backup file's structure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := backup.NewEngine(backupDir, nil)
		if err := engine.VerifyBackup(args[0], backupPassword); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		fmt.Println("Backup OK.")
		return nil
	},
}

// identityFromEnv builds the identity provider from KEYFORT_OWNER_ID and
// KEYFORT_EMAIL (typically via .env).
func identityFromEnv() identity.Provider {
	ownerID := os.Getenv("KEYFORT_OWNER_ID")
	if ownerID == "" {
		return &identity.Static{}
	}
	return &identity.Static{User: &identity.User{ID: ownerID, Email: os.Getenv("KEYFORT_EMAIL")}}
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupVerifyCmd)

	backupCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	backupCmd.PersistentFlags().StringVar(&backupDir, "backup-dir", "./backups", "Directory for backup files")
	backupCreateCmd.Flags().StringVar(&backupName, "name", "", "Custom backup name")
	backupCreateCmd.Flags().StringVar(&backupPassword, "password", "", "Encryption password")
	backupCreateCmd.Flags().BoolVar(&backupCompress, "compress", true, "Compress the backup")
	backupCreateCmd.Flags().BoolVar(&backupEncrypt, "encrypt", true, "Encrypt the backup")
	backupVerifyCmd.Flags().StringVar(&backupPassword, "password", "", "Decryption password for full verification")
}
