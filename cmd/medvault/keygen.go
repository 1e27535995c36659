package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medvault/custody/internal/ehr"
	"github.com/medvault/custody/pkg/database"
	"github.com/medvault/custody/pkg/encryption"
	"github.com/medvault/custody/pkg/logger"
)

func keygenCmd(load loader) *cobra.Command {
	var (
		scheme   string
		outFile  string
		vaultID  string
		phone    string
		register bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a patient recipient key pair",
		Long: "Generates a recipient key pair, writes the private key to --out and prints the public key.\n" +
			"With --register the public key and phone number are stored for --vault-id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := encryption.GenerateRecipientKey(encryption.Scheme(scheme))
			if err != nil {
				return err
			}
			privPEM, err := encryption.MarshalPrivateKeyPEM(priv)
			if err != nil {
				return err
			}
			pubPEM, err := encryption.MarshalPublicKeyPEM(priv.Public())
			if err != nil {
				return err
			}

			if err := os.WriteFile(outFile, privPEM, 0o600); err != nil {
				return fmt.Errorf("failed to write private key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key id: %s\n%s", priv.KeyID(), pubPEM)

			if !register {
				return nil
			}
			if vaultID == "" || phone == "" {
				return fmt.Errorf("--vault-id and --phone are required with --register")
			}

			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := database.NewConnection(cmd.Context(), &cfg.Database, logger.New(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer db.Close()

			if err := ehr.NewPostgresDirectory(db).Register(cmd.Context(), vaultID, phone, pubPEM); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", vaultID)
			return nil
		},
	}

	cmd.Flags().StringVar(&scheme, "scheme", string(encryption.SchemeX25519), "key scheme: x25519-hkdf-xchacha20poly1305 or rsa-oaep-sha256")
	cmd.Flags().StringVar(&outFile, "out", "recipient.key", "where to write the PKCS#8 private key")
	cmd.Flags().BoolVar(&register, "register", false, "store the public key in the patient directory")
	cmd.Flags().StringVar(&vaultID, "vault-id", "", "patient vault id for --register")
	cmd.Flags().StringVar(&phone, "phone", "", "patient phone number for --register")
	return cmd
}
