package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"a2a-coordinator/internal/infra/config"
)

var secretKey string

var encryptSecretCmd = &cobra.Command{
	Use:   "encrypt-secret [value]",
	Short: "Encrypt a secret for the config file",
	Long: `Encrypt a value with the config passphrase and print it as an enc: string
usable for gateway.auth.jwt_secret, gateway.auth.agent_secret, api keys and
analysis.api_key. The value is read from stdin when not given as an argument.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEncryptSecret,
}

func init() {
	rootCmd.AddCommand(encryptSecretCmd)
	encryptSecretCmd.Flags().StringVar(&secretKey, "key", "", "passphrase (default $A2A_CONFIG_KEY)")
}

func runEncryptSecret(cmd *cobra.Command, args []string) error {
	passphrase := secretKey
	if passphrase == "" {
		passphrase = os.Getenv("A2A_CONFIG_KEY")
	}
	if passphrase == "" {
		return errors.New("no passphrase: pass --key or set A2A_CONFIG_KEY")
	}

	var value string
	if len(args) == 1 {
		value = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read value: %w", err)
		}
		value = strings.TrimRight(line, "\r\n")
	}
	if value == "" {
		return errors.New("empty value")
	}

	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return err
	}
	cmd.Println(config.EncryptedPrefix + enc)
	return nil
}
