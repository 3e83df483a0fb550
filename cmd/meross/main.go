// Command meross is a small CLI for the Meross cloud: account login,
// device inventory, one-shot commands and a live update watcher.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/credentials"
	"github.com/merosskit/meross/device"
	"github.com/merosskit/meross/httpapi"
	"github.com/merosskit/meross/manager"
	"github.com/merosskit/meross/subscribe"
)

var (
	flagEmail     string
	flagPassword  string
	flagMFACode   string
	flagCredsFile string
	flagTimeout   time.Duration
	flagTransport string
	flagVerbose   bool
)

var logger = common.NewLoggerFromEnv("meross", "MEROSS_LOG_LEVEL")

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "meross",
		Short:         "Control Meross cloud devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if flagVerbose {
				if l, ok := logger.(*logrus.Entry); ok {
					l.Logger.SetLevel(logrus.DebugLevel)
				}
			}
		},
	}
	root.PersistentFlags().StringVar(&flagEmail, "email", os.Getenv("MEROSS_EMAIL"), "account email")
	root.PersistentFlags().StringVar(&flagPassword, "password", os.Getenv("MEROSS_PASSWORD"), "account password")
	root.PersistentFlags().StringVar(&flagMFACode, "mfa", "", "one-time MFA code")
	root.PersistentFlags().StringVar(&flagCredsFile, "credentials", defaultCredsPath(), "token data file")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "per-command timeout")
	root.PersistentFlags().StringVar(&flagTransport, "transport", "mqtt-only", "transport mode: mqtt-only, lan-http-first, lan-http-first-only-get")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(loginCmd(), devicesCmd(), subdevicesCmd(), sendCmd(), watchCmd(), logoutCmd())

	if err := root.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func defaultCredsPath() string {
	if p := os.Getenv("MEROSS_CREDENTIALS"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meross-credentials.json"
	}
	return home + "/.meross-credentials.json"
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store reusable token data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flagEmail == "" || flagPassword == "" {
				return fmt.Errorf("--email and --password (or MEROSS_EMAIL/MEROSS_PASSWORD) are required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			api := httpapi.New(httpapi.WithLogger(logger))
			if err := api.Login(ctx, flagEmail, flagPassword, flagMFACode); err != nil {
				return err
			}
			b, err := json.MarshalIndent(api.Credentials().TokenData(), "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(flagCredsFile, append(b, '\n'), 0o600); err != nil {
				return err
			}
			fmt.Printf("logged in as %s, credentials stored in %s\n", flagEmail, flagCredsFile)
			return nil
		},
	}
}

// apiClient restores an authenticated client from the stored token
// data.
func apiClient() (*httpapi.HTTPClient, error) {
	b, err := os.ReadFile(flagCredsFile)
	if err != nil {
		return nil, fmt.Errorf("no stored credentials, run `meross login` first: %w", err)
	}
	var td credentials.TokenData
	if err := json.Unmarshal(b, &td); err != nil {
		return nil, fmt.Errorf("credentials file %s: %w", flagCredsFile, err)
	}
	return httpapi.NewFromCredentials(&td, httpapi.WithLogger(logger))
}

func transportMode() (manager.TransportMode, error) {
	switch flagTransport {
	case "mqtt-only":
		return manager.ModeMQTTOnly, nil
	case "lan-http-first":
		return manager.ModeLANHTTPFirst, nil
	case "lan-http-first-only-get":
		return manager.ModeLANHTTPFirstOnlyGET, nil
	default:
		return 0, fmt.Errorf("unknown transport mode %q", flagTransport)
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the account's devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
			defer cancel()

			records, err := api.GetDevices(ctx)
			if err != nil {
				return err
			}
			for _, rec := range records {
				host, port := rec.BrokerAddress()
				fmt.Printf("%s  %-20s %-10s online=%d broker=%s:%d\n",
					rec.UUID, rec.DevName, rec.DeviceType, rec.OnlineStatus, host, port)
			}
			return nil
		},
	}
}

func subdevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subdevices <hub-uuid>",
		Short: "List the children of a hub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
			defer cancel()

			subs, err := api.GetSubDevices(ctx, args[0])
			if err != nil {
				return err
			}
			for _, sub := range subs {
				fmt.Printf("%s  %-20s %s\n", sub.SubDeviceID, sub.SubDeviceName, sub.SubDeviceType)
			}
			return nil
		},
	}
}

// connectManager enrolls the account's devices and returns the live
// manager.
func connectManager(ctx context.Context) (*manager.Manager, error) {
	api, err := apiClient()
	if err != nil {
		return nil, err
	}
	mode, err := transportMode()
	if err != nil {
		return nil, err
	}
	m, err := manager.New(api,
		manager.WithLogger(logger),
		manager.WithTransportMode(mode),
		manager.WithTimeout(flagTimeout),
		manager.WithAutoRetryOnBadDomain(true),
	)
	if err != nil {
		return nil, err
	}
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <uuid> <method> <namespace> [payload-json]",
		Short: "Send one command to a device and print the reply",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			m, err := connectManager(ctx)
			if err != nil {
				return err
			}
			defer m.DisconnectAll(false)

			d, ok := m.GetDevice(args[0])
			if !ok {
				return fmt.Errorf("device %s is not enrolled (offline or unknown)", args[0])
			}

			var payload interface{}
			if len(args) == 4 {
				if err := json.Unmarshal([]byte(args[3]), &payload); err != nil {
					return fmt.Errorf("payload: %w", err)
				}
			}
			reply, err := d.Publish(ctx, common.Method(args[1]), args[2], payload)
			if err != nil {
				return err
			}
			var pretty json.RawMessage = reply
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream state updates from every enrolled device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			m, err := connectManager(ctx)
			if err != nil {
				return err
			}
			defer m.DisconnectAll(false)

			engine := subscribe.NewEngine(subscribe.WithLogger(logger))
			defer engine.Close()

			for _, d := range m.Devices() {
				d := d
				engine.SubscribeState(d, interval, func(u subscribe.Update) {
					printUpdate(d, u)
				})
				if d.SupportsFeature(device.FeatureElectricity) {
					engine.SubscribeElectricity(d, 0, func(u subscribe.Update) {
						printUpdate(d, u)
					})
				}
			}

			fmt.Printf("watching %d devices, ctrl-c to stop\n", len(m.Devices()))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "state poll interval (default 30s)")
	return cmd
}

func printUpdate(d *device.Device, u subscribe.Update) {
	b, err := json.Marshal(u.Changes)
	if err != nil || len(u.Changes) == 0 {
		b, _ = json.Marshal(u.State)
	}
	fmt.Printf("%s  %s [%s] %s\n", u.Timestamp.Format(time.RFC3339), d.Name(), u.Source, b)
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Invalidate the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
			defer cancel()
			if err := api.Logout(ctx); err != nil {
				return err
			}
			if err := os.Remove(flagCredsFile); err != nil && !os.IsNotExist(err) {
				return err
			}
			fmt.Println("logged out")
			return nil
		},
	}
}
