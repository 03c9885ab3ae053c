package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-roomchat/internal/dmcrypto"
	"github.com/tbourn/go-roomchat/internal/http/middleware"
	"github.com/tbourn/go-roomchat/internal/services"
)

// Flag variables.
var (
	userName, userPassword string
	userBot                bool
	userID                 int64
	userUnban              bool
	userPolicy             string

	tokenUserID   int64
	tokenUsername string
	tokenPassword string
	tokenTTL      time.Duration
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a fresh random MASTER_KEY (64 hex characters)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		k, err := dmcrypto.NewMasterKeyHex()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), k)
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a user with a bcrypt password verifier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDirectory(cmd, func(ctx context.Context, users *services.UserDirectory) error {
			u, err := users.Register(ctx, userName, userPassword, userBot)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %d (%s)\n", u.ID, u.Username)
			return nil
		})
	},
}

var userBanCmd = &cobra.Command{
	Use:   "ban",
	Short: "Ban a user; open sessions are closed at their next freshness check",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDirectory(cmd, func(ctx context.Context, users *services.UserDirectory) error {
			if err := users.SetBanned(ctx, userID, !userUnban); err != nil {
				return err
			}
			verb := "banned"
			if userUnban {
				verb = "unbanned"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d %s\n", userID, verb)
			return nil
		})
	},
}

var userPolicyCmd = &cobra.Command{
	Use:   "dm-policy",
	Short: "Set who may send direct messages to a user (everyone|mutuals|nobody)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDirectory(cmd, func(ctx context.Context, users *services.UserDirectory) error {
			if err := users.SetDMPolicy(ctx, userID, userPolicy); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d dm_policy=%s\n", userID, userPolicy)
			return nil
		})
	},
}

// withDirectory opens the store for the duration of fn.
func withDirectory(cmd *cobra.Command, fn func(context.Context, *services.UserDirectory) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, services.NewUserDirectory(store))
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development identity token",
	Long: "Mint an identity token for local testing. Tokens are normally issued " +
		"by the session service; this command refuses to run in production.\n\n" +
		"With --password the credentials are checked against the store and the " +
		"stored user id is used; otherwise --user-id is taken as given.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.IsProduction() {
			return errors.New("token minting is disabled in production")
		}
		rc := services.RequestContext{UserID: tokenUserID, Username: tokenUsername}
		if tokenPassword != "" {
			err = withDirectory(cmd, func(ctx context.Context, users *services.UserDirectory) error {
				u, err := users.Authenticate(ctx, tokenUsername, tokenPassword)
				if err != nil {
					return err
				}
				rc = services.RequestContext{UserID: u.ID, Username: u.Username}
				return nil
			})
			if err != nil {
				return err
			}
		}
		if !rc.Valid() {
			return errors.New("--username and one of --user-id or --password are required")
		}
		tok, err := middleware.IssueToken(signingKey(cfg), rc, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userName, "username", "", "Unique username (required)")
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Password, at least 8 characters (required)")
	userAddCmd.Flags().BoolVar(&userBot, "bot", false, "Mark the account as a bot")
	_ = userAddCmd.MarkFlagRequired("username")
	_ = userAddCmd.MarkFlagRequired("password")

	for _, c := range []*cobra.Command{userBanCmd, userPolicyCmd} {
		c.Flags().Int64Var(&userID, "id", 0, "User id (required)")
		_ = c.MarkFlagRequired("id")
	}
	userBanCmd.Flags().BoolVar(&userUnban, "unban", false, "Lift the ban instead")
	userPolicyCmd.Flags().StringVar(&userPolicy, "policy", "", "everyone, mutuals or nobody (required)")
	_ = userPolicyCmd.MarkFlagRequired("policy")
	userCmd.AddCommand(userAddCmd, userBanCmd, userPolicyCmd)

	tokenCmd.Flags().Int64Var(&tokenUserID, "user-id", 0, "User id carried by the token")
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "Username carried by the token")
	tokenCmd.Flags().StringVar(&tokenPassword, "password", "", "Verify this password and use the stored user id")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}
