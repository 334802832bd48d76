// ledgerctl is the command line client for the confidential expense ledger.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cipherledger/internal/client"
	"cipherledger/internal/config"
	"cipherledger/internal/fhe"
	"cipherledger/internal/logger"
	"cipherledger/internal/wallet"
)

var flagWallet string

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Confidential expense ledger client",
	Long:  "Submit encrypted expenses and decrypt your running total.",
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&flagWallet, "wallet", "w", "", "Wallet file (default <wallet dir>/wallet.json)")
	walletCmd.AddCommand(walletInitCmd)
	rootCmd.AddCommand(walletCmd, addCmd, decryptCmd, recordsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if client.IsKind(err, client.KindConnectivity) {
			fmt.Fprintln(os.Stderr, "Hint: start a local node with ledgerd, or set LEDGER_NODE_URL.")
		}
		os.Exit(1)
	}
}

func walletPath(cfg *config.Config) string {
	if flagWallet != "" {
		return flagWallet
	}
	return filepath.Join(cfg.WalletDir, "wallet.json")
}

// setup wires a ready orchestrator from the environment.
func setup() (*client.Orchestrator, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, client.E(client.KindConfig, "load configuration", err)
	}
	log, err := logger.New(cfg.LogEnv)
	if err != nil {
		return nil, nil, err
	}
	w, err := wallet.LoadOrCreate(walletPath(cfg))
	if err != nil {
		return nil, nil, client.E(client.KindConfig, "open wallet", err)
	}
	keys, err := fhe.SetupOrLoadKeys(cfg.KeyDir)
	if err != nil {
		return nil, nil, err
	}
	backend := client.NewHTTPBackend(cfg.NodeURL, cfg.RequestTimeout)
	o := client.New(backend, w, keys, client.Options{
		Contract:    cfg.ContractAddress,
		PollEvery:   cfg.ACLPollEvery,
		PollTimeout: cfg.ACLPollTimeout,
	}, log)
	return o, cfg, nil
}

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage the local wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return client.E(client.KindConfig, "load configuration", err)
		}
		path := walletPath(cfg)
		w, err := wallet.Load(path)
		if err != nil {
			return client.E(client.KindConfig, "no wallet found; run 'ledgerctl wallet init' first", err)
		}
		fmt.Println("Wallet:", path)
		fmt.Println("Address:", w.Address().Hex())
		return nil
	},
}

var walletInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the local wallet if it does not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return client.E(client.KindConfig, "load configuration", err)
		}
		path := walletPath(cfg)
		w, err := wallet.LoadOrCreate(path)
		if err != nil {
			return err
		}
		fmt.Println("Wallet:", path)
		fmt.Println("Address:", w.Address().Hex())
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <amount> <category>",
	Short: "Encrypt and submit an expense",
	Long:  "Categories: " + strings.Join(client.Categories, ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return client.E(client.KindValidation, "amount must be a non-negative integer", err)
		}
		o, _, err := setup()
		if err != nil {
			return err
		}
		res, err := o.SubmitExpense(cmd.Context(), amount, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Submitted expense #%d (tx %s)\n", res.Receipt.RecordIndex, res.Receipt.TxID)
		fmt.Println("Encrypted total:", res.TotalHandle.Hex())
		for _, n := range res.Notices {
			fmt.Println("Notice:", n)
		}
		return nil
	},
}

var decryptCmd = &cobra.Command{
	Use:     "decrypt",
	Aliases: []string{"total"},
	Short:   "Decrypt the running monthly total",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, _, err := setup()
		if err != nil {
			return err
		}
		res, err := o.DecryptTotal(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println("Monthly total:", res.Value)
		for _, n := range res.Notices {
			fmt.Println("Notice:", n)
		}
		return nil
	},
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List expense records",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, _, err := setup()
		if err != nil {
			return err
		}
		records, err := o.Records(cmd.Context())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No expenses recorded yet.")
			return nil
		}
		for i, r := range records {
			ts := time.Unix(r.Timestamp, 0).Format(time.RFC3339)
			fmt.Printf("%4d  %s  %s\n", i, ts, r.Category)
		}
		return nil
	},
}
