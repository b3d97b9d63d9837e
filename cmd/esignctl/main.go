package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zksig/esign/pkg/client"
	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/identity"
	"github.com/zksig/esign/pkg/signature"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	v   *viper.Viper
	out io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "esignctl",
		Short:         "Client for the esign workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().String("server", "http://localhost:8090", "esign server base URL")
	root.PersistentFlags().String("key", "", "file holding the hex Ed25519 seed of the caller")
	root.PersistentFlags().Duration("timeout", 10*time.Second, "request timeout")
	a.v.SetEnvPrefix("ESIGNCTL")
	a.v.AutomaticEnv()
	_ = a.v.BindPFlags(root.PersistentFlags())

	root.AddCommand(a.keygenCmd(), a.profileCmd(), a.agreementCmd(), a.slotCmd(), a.recordCmd(), a.signaturesCmd())
	return root
}

// emit prints v as one JSON document.
func (a *app) emit(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) loadKey() (ed25519.PrivateKey, error) {
	path := a.v.GetString("key")
	if path == "" {
		return nil, errors.New("--key is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file must hold a %d byte hex seed", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (a *app) client(signed bool) (*client.Client, error) {
	var key ed25519.PrivateKey
	if signed {
		var err error
		if key, err = a.loadKey(); err != nil {
			return nil, err
		}
	}
	return client.New(a.v.GetString("server"), key), nil
}

func (a *app) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.v.GetDuration("timeout"))
}

func (a *app) keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create an Ed25519 key file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
				return err
			}
			id, err := identity.FromPublicKey(pub)
			if err != nil {
				return err
			}
			return a.emit(map[string]any{"identity": id, "key_path": out})
		},
	}
	cmd.Flags().StringVar(&out, "out", "esign.key", "path to write the seed to")
	return cmd
}

func (a *app) profileCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "profile", Short: "Manage profiles"}
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create the caller's profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client(true)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			p, err := c.CreateProfile(ctx, client.WithIdempotencyKey(client.NewIdempotencyKey()))
			if err != nil {
				return err
			}
			return a.emit(p)
		},
	}, &cobra.Command{
		Use:   "get <owner>",
		Short: "Show a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			c, _ := a.client(false)
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			p, err := c.GetProfile(ctx, owner)
			if err != nil {
				return err
			}
			return a.emit(p)
		},
	})
	return cmd
}

func (a *app) agreementCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agreement", Short: "Manage agreements"}

	var params domain.AgreementParams
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an agreement under the caller's profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client(true)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			ag, err := c.CreateAgreement(ctx, params, client.WithIdempotencyKey(client.NewIdempotencyKey()))
			if err != nil {
				return err
			}
			return a.emit(ag)
		},
	}
	create.Flags().StringVar(&params.Identifier, "identifier", "", "agreement identifier")
	create.Flags().StringVar(&params.CID, "cid", "", "document content identifier")
	create.Flags().StringVar(&params.EncryptedCID, "encrypted-cid", "", "encrypted document content identifier")
	create.Flags().StringVar(&params.DescriptionCID, "description-cid", "", "description content identifier")
	create.Flags().Uint8Var(&params.TotalPackets, "total-packets", 1, "number of signature slots")

	get := &cobra.Command{
		Use:   "get <agreement>",
		Short: "Show an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := identity.ParseAddress(args[0])
			if err != nil {
				return err
			}
			c, _ := a.client(false)
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			ag, err := c.GetAgreement(ctx, addr)
			if err != nil {
				return err
			}
			return a.emit(ag)
		},
	}

	finalize := func(use string, fn func(*client.Client, context.Context, identity.Address) (domain.Agreement, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <agreement>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a complete agreement",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				addr, err := identity.ParseAddress(args[0])
				if err != nil {
					return err
				}
				c, err := a.client(true)
				if err != nil {
					return err
				}
				ctx, cancel := a.ctx(cmd)
				defer cancel()
				ag, err := fn(c, ctx, addr)
				if err != nil {
					return err
				}
				return a.emit(ag)
			},
		}
	}
	cmd.AddCommand(create, get,
		finalize("approve", func(c *client.Client, ctx context.Context, addr identity.Address) (domain.Agreement, error) {
			return c.Approve(ctx, addr)
		}),
		finalize("reject", func(c *client.Client, ctx context.Context, addr identity.Address) (domain.Agreement, error) {
			return c.Reject(ctx, addr)
		}),
	)
	return cmd
}

type authorization struct {
	Agreement          identity.Address  `json:"agreement"`
	Identifier         string            `json:"identifier"`
	Owner              identity.Identity `json:"owner"`
	Signature          string            `json:"signature"`
	VerificationRecord string            `json:"verification_record"`
}

func (a *app) slotCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "slot", Short: "Manage signature slots"}

	var signer string
	create := &cobra.Command{
		Use:   "create <agreement> <identifier>",
		Short: "Add a signature slot to a pending agreement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := identity.ParseAddress(args[0])
			if err != nil {
				return err
			}
			var bound *identity.Identity
			if signer != "" {
				id, err := identity.Parse(signer)
				if err != nil {
					return fmt.Errorf("--signer: %w", err)
				}
				bound = &id
			}
			c, err := a.client(true)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			slot, err := c.CreateSlot(ctx, addr, args[1], bound, client.WithIdempotencyKey(client.NewIdempotencyKey()))
			if err != nil {
				return err
			}
			return a.emit(slot)
		},
	}
	create.Flags().StringVar(&signer, "signer", "", "identity allowed to sign the slot, empty for first come")

	list := &cobra.Command{
		Use:   "list <agreement>",
		Short: "List an agreement's slots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := identity.ParseAddress(args[0])
			if err != nil {
				return err
			}
			c, _ := a.client(false)
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			slots, err := c.ListSlots(ctx, addr)
			if err != nil {
				return err
			}
			return a.emit(slots)
		},
	}

	authorize := &cobra.Command{
		Use:   "authorize <agreement> <identifier>",
		Short: "Sign a slot authorization with the agreement owner's key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := identity.ParseAddress(args[0])
			if err != nil {
				return err
			}
			key, err := a.loadKey()
			if err != nil {
				return err
			}
			sig, rec, err := signature.Authorize(key, args[1], addr)
			if err != nil {
				return err
			}
			owner, err := identity.FromPublicKey(key.Public().(ed25519.PublicKey))
			if err != nil {
				return err
			}
			return a.emit(authorization{
				Agreement:          addr,
				Identifier:         args[1],
				Owner:              owner,
				Signature:          base64.StdEncoding.EncodeToString(sig),
				VerificationRecord: base64.StdEncoding.EncodeToString(rec),
			})
		},
	}

	var sigB64, recB64, encryptedCID string
	sign := &cobra.Command{
		Use:   "sign <agreement> <identifier>",
		Short: "Consume a slot as the caller",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := identity.ParseAddress(args[0])
			if err != nil {
				return err
			}
			sig, err := base64.StdEncoding.DecodeString(sigB64)
			if err != nil {
				return fmt.Errorf("--signature: %w", err)
			}
			rec, err := base64.StdEncoding.DecodeString(recB64)
			if err != nil {
				return fmt.Errorf("--record: %w", err)
			}
			c, err := a.client(true)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			res, err := c.SignSlot(ctx, client.SignInput{
				Agreement:    addr,
				Identifier:   args[1],
				Signature:    sig,
				Record:       rec,
				EncryptedCID: encryptedCID,
			}, client.WithIdempotencyKey(client.NewIdempotencyKey()))
			if err != nil {
				return err
			}
			return a.emit(res)
		},
	}
	sign.Flags().StringVar(&sigB64, "signature", "", "base64 owner signature from slot authorize")
	sign.Flags().StringVar(&recB64, "record", "", "base64 verification record from slot authorize")
	sign.Flags().StringVar(&encryptedCID, "encrypted-cid", "", "encrypted content identifier recorded with the signature")

	cmd.AddCommand(create, list, authorize, sign)
	return cmd
}

func (a *app) recordCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "record", Short: "Inspect verification records"}
	var in string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check a slot authorization offline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			var auth authorization
			if err := json.Unmarshal(b, &auth); err != nil {
				return err
			}
			sig, err := base64.StdEncoding.DecodeString(auth.Signature)
			if err != nil {
				return err
			}
			rec, err := base64.StdEncoding.DecodeString(auth.VerificationRecord)
			if err != nil {
				return err
			}
			claim := signature.Claim{
				Owner:     auth.Owner,
				Message:   signature.SlotMessage(auth.Identifier, auth.Agreement),
				Signature: sig,
			}
			result := map[string]any{"status": "PASS", "agreement": auth.Agreement, "identifier": auth.Identifier}
			verr := signature.RecordVerifier{Curve: signature.Ed25519}.Verify(claim, rec)
			if verr != nil {
				result["status"] = "FAIL"
				result["reason"] = verr.Error()
			}
			if err := a.emit(result); err != nil {
				return err
			}
			return verr
		},
	}
	verify.Flags().StringVar(&in, "in", "", "authorization JSON written by slot authorize")
	_ = verify.MarkFlagRequired("in")
	cmd.AddCommand(verify)
	return cmd
}

func (a *app) signaturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signatures <signer>",
		Short: "List the signature receipts of a signer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			c, _ := a.client(false)
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			sigs, err := c.ListSignatures(ctx, signer)
			if err != nil {
				return err
			}
			return a.emit(sigs)
		},
	}
}
