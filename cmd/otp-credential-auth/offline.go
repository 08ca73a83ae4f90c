package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/spf13/cobra"

	"github.com/al-bashkir/otp-credential-auth/internal/config"
	"github.com/al-bashkir/otp-credential-auth/internal/offline"
	"github.com/al-bashkir/otp-credential-auth/internal/passlib"
)

var offlineFile string

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Inspect or provision the offline OTP cache",
}

var offlineStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List offline entries and the OTPs left",
	Args:  cobra.NoArgs,
	RunE:  runOfflineStatus,
}

// provisionOptions are the flags of offline provision.
type provisionOptions struct {
	user        string
	username    string
	serial      string
	secret      string
	refillToken string
	start       int
	count       int
	digits      int
	iterations  int
}

var provision provisionOptions

var offlineProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Add offline OTPs for a user from an HOTP secret",
	Long: `Generate HOTP values for a range of counters, hash them and add them
to the offline cache. This is meant for machines that must be usable before
their first online login, and for tests.

The daemon must not be running: it rewrites the cache file on shutdown.`,
	Args: cobra.NoArgs,
	RunE: runOfflineProvision,
}

func init() {
	offlineCmd.PersistentFlags().StringVar(&offlineFile, "file", "",
		"Offline cache file - overrides config file")

	f := offlineProvisionCmd.Flags()
	f.StringVar(&provision.user, "user", "", "User the entry belongs to (required)")
	f.StringVar(&provision.username, "username", "", "Alternative login name of the user")
	f.StringVar(&provision.serial, "serial", "", "Token serial (required)")
	f.StringVar(&provision.secret, "secret", "", "Base32 HOTP secret (required)")
	f.StringVar(&provision.refillToken, "refill-token", "", "Refill token for the entry")
	f.IntVar(&provision.start, "start", 0, "First counter")
	f.IntVar(&provision.count, "count", 20, "Number of OTPs to generate")
	f.IntVar(&provision.digits, "digits", 6, "OTP length (6 or 8)")
	f.IntVar(&provision.iterations, "iterations", passlib.DefaultIterations, "PBKDF2 iterations")
	_ = offlineProvisionCmd.MarkFlagRequired("user")
	_ = offlineProvisionCmd.MarkFlagRequired("serial")
	_ = offlineProvisionCmd.MarkFlagRequired("secret")

	offlineCmd.AddCommand(offlineStatusCmd)
	offlineCmd.AddCommand(offlineProvisionCmd)
}

// openStore loads the offline cache named by --file or the config file. A
// missing or empty file gives an empty store.
func openStore() (*offline.Store, error) {
	path := offlineFile
	tryWindow := config.DefaultConfig().Offline.TryWindow

	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		path = cfg.Offline.FilePath
		tryWindow = cfg.Offline.TryWindow
	}

	store := offline.NewStore(path, tryWindow)
	if err := store.Load(); err != nil &&
		!errors.Is(err, offline.ErrFileNotExist) && !errors.Is(err, offline.ErrFileEmpty) {
		return nil, err
	}
	return store, nil
}

func runOfflineStatus(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), store)
}

func printStatus(out io.Writer, store *offline.Store) error {
	entries := store.Entries()
	if len(entries) == 0 {
		_, err := fmt.Fprintf(out, "No offline data in %s\n", store.Path())
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tUSERNAME\tSERIAL\tREMAINING\tNEXT COUNTER\tREFILL")
	for _, e := range entries {
		next := "-"
		if c, ok := e.LowestCounter(); ok {
			next = strconv.Itoa(c)
		}
		refill := "no"
		if e.RefillToken != "" {
			refill = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.User, e.Username, e.Serial, e.Remaining(), next, refill)
	}
	return tw.Flush()
}

func runOfflineProvision(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	entry, err := provision.entry()
	if err != nil {
		return err
	}

	store.Put(entry)
	if err := store.Save(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added %d offline OTPs for %s (counters %d-%d) to %s\n",
		provision.count, entry.User, provision.start, provision.start+provision.count-1, store.Path())
	return nil
}

// entry generates and hashes the HOTP values for the configured range.
func (p provisionOptions) entry() (offline.Entry, error) {
	if p.count <= 0 {
		return offline.Entry{}, fmt.Errorf("--count must be positive")
	}
	if p.start < 0 {
		return offline.Entry{}, fmt.Errorf("--start must not be negative")
	}
	if p.digits != 6 && p.digits != 8 {
		return offline.Entry{}, fmt.Errorf("--digits must be 6 or 8")
	}

	opts := hotp.ValidateOpts{
		Digits:    otp.Digits(p.digits),
		Algorithm: otp.AlgorithmSHA1,
	}

	e := offline.Entry{
		User:        p.user,
		Username:    p.username,
		Serial:      p.serial,
		RefillToken: p.refillToken,
		OTPs:        make(map[string]string, p.count),
	}

	for c := p.start; c < p.start+p.count; c++ {
		code, err := hotp.GenerateCodeCustom(p.secret, uint64(c), opts)
		if err != nil {
			return offline.Entry{}, fmt.Errorf("failed to generate HOTP code: %w", err)
		}

		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return offline.Entry{}, fmt.Errorf("failed to generate salt: %w", err)
		}
		e.OTPs[strconv.Itoa(c)] = passlib.Hash(code, salt, p.iterations)
	}

	return e, nil
}
