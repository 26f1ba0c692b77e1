package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	decodepay "github.com/nbd-wtf/ln-decodepay"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/satchel-cash/satchel/cashu"
	"github.com/satchel-cash/satchel/wallet"
)

var satchel *wallet.Wallet

func walletConfig() wallet.Config {
	path := setWalletPath()
	config := wallet.Config{WalletPath: path, MintURL: "http://127.0.0.1:3338"}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}

	if len(envPath) > 0 {
		if err := godotenv.Load(envPath); err == nil {
			if mintURL := os.Getenv("MINT_URL"); len(mintURL) > 0 {
				config.MintURL = mintURL
			}
		}
	}

	return config
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".satchel", "wallet")
	if err := os.MkdirAll(path, 0700); err != nil {
		log.Fatal(err)
	}
	return path
}

func setupWallet(ctx *cli.Context) error {
	level := slog.LevelWarn
	if ctx.Bool(verboseFlag) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var err error
	satchel, err = wallet.LoadWallet(walletConfig())
	if err != nil {
		printErr(err)
	}
	return nil
}

const verboseFlag = "verbose"

func main() {
	app := &cli.App{
		Name:  "satchel",
		Usage: "cashu cli wallet",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    verboseFlag,
				Aliases: []string{"v"},
				Usage:   "print debug logs",
			},
		},
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			mnemonicCmd,
			restoreCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Before: setupWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	defer satchel.Shutdown()
	fmt.Printf("%v sats\n", satchel.GetBalance())
	return nil
}

const quoteFlag = "quote"

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "request a mint quote, or redeem a paid one with --quote",
	ArgsUsage: "[amount]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  quoteFlag,
			Usage: "id of a paid quote to redeem",
		},
	},
	Action: mint,
}

func mint(ctx *cli.Context) error {
	defer satchel.Shutdown()

	// if a quote id was passed, redeem it
	if ctx.IsSet(quoteFlag) {
		proofs, err := satchel.MintTokens(ctx.String(quoteFlag))
		if err != nil {
			printErr(err)
		}
		fmt.Printf("%v sats minted\n", proofs.Amount())
		return nil
	}

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	quote, err := satchel.RequestMint(amount)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", quote.PaymentRequest)
	fmt.Printf("after paying the invoice, redeem the ecash with:\n\tsatchel mint --quote %v\n", quote.Id)
	return nil
}

var sendCmd = &cli.Command{
	Name:      "send",
	ArgsUsage: "amount",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "memo",
			Usage: "memo to include in the token",
		},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	defer satchel.Shutdown()

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	sendAmount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(err)
	}

	token, err := satchel.Send(sendAmount, ctx.String("memo"))
	if err != nil {
		printErr(err)
	}

	serialized, err := token.Serialize()
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v\n", serialized)
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	ArgsUsage: "token",
	Before:    setupWallet,
	Action:    receive,
}

func receive(ctx *cli.Context) error {
	defer satchel.Shutdown()

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	token, err := cashu.DecodeToken(args.First())
	if err != nil {
		printErr(err)
	}

	amount, err := satchel.Receive(token)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v sats received\n", amount)
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "pay a lightning invoice with ecash",
	ArgsUsage: "invoice",
	Before:    setupWallet,
	Action:    pay,
}

func pay(ctx *cli.Context) error {
	defer satchel.Shutdown()

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}
	invoice := args.First()

	if bolt11, err := decodepay.Decodepay(invoice); err == nil {
		fmt.Printf("paying %v sats", bolt11.MSatoshi/1000)
		if bolt11.Description != "" {
			fmt.Printf(" (%v)", bolt11.Description)
		}
		fmt.Println()
	}

	quote, err := satchel.RequestMeltQuote(invoice)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("amount: %v sats, fee reserve: %v sats\n", quote.Amount, quote.FeeReserve)

	quote, err = satchel.Melt(quote.Id)
	if err != nil {
		printErr(err)
	}

	switch quote.State {
	case cashu.MeltQuotePaid:
		fmt.Printf("invoice paid. preimage: %v\n", quote.PaymentPreimage)
	case cashu.MeltQuotePending:
		fmt.Println("payment is pending; run pay again later or check the quote state")
	default:
		fmt.Println("payment failed, ecash was not spent")
	}
	return nil
}

var mnemonicCmd = &cli.Command{
	Name:   "mnemonic",
	Usage:  "print the wallet recovery phrase",
	Before: setupWallet,
	Action: mnemonic,
}

func mnemonic(ctx *cli.Context) error {
	defer satchel.Shutdown()
	fmt.Println(satchel.Mnemonic())
	return nil
}

var restoreCmd = &cli.Command{
	Name:      "restore",
	Usage:     "restore a wallet from its recovery phrase",
	ArgsUsage: "\"mnemonic words ...\"",
	Action:    restore,
}

func restore(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("provide the mnemonic to restore from"))
	}
	mnemonic := strings.Join(args.Slice(), " ")

	config := walletConfig()
	proofs, err := wallet.Restore(config.WalletPath, mnemonic, []string{config.MintURL})
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v sats restored\n", proofs.Amount())
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(1)
}
