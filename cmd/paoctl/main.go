package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/agentpact/trustcore/internal/engine"
	"github.com/agentpact/trustcore/internal/store"
	"github.com/agentpact/trustcore/pkg/identity"
)

const usage = `usage:
  paoctl identity init --dir <path> --namespace <ns> --name <name> [--controller-platform p --controller-handle h]
  paoctl identity show --dir <path>
  paoctl identity rotate --dir <path> [--reason <text>]
  paoctl identity recover --dir <path> --proof <platform:handle:token> [--confirm]
  paoctl identity verify-chain --dir <path>
  paoctl witness --dir <path> --data <path> (--hash <sha256-hex> | --file <path>) [--source <s>] [--flag <f>]...
  paoctl proposals --data <path> --dir <path>`

func main() {
	if len(os.Args) < 2 {
		fail(usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "identity":
		runIdentity(os.Args[2:])
	case "witness":
		runWitness(os.Args[2:])
	case "proposals":
		runProposals(os.Args[2:])
	default:
		fail(usage)
		os.Exit(2)
	}
}

func runIdentity(args []string) {
	if len(args) < 1 {
		fail(usage)
		os.Exit(2)
	}
	switch args[0] {
	case "init":
		runIdentityInit(args[1:])
	case "show":
		runIdentityShow(args[1:])
	case "rotate":
		runIdentityRotate(args[1:])
	case "recover":
		runIdentityRecover(args[1:])
	case "verify-chain":
		runVerifyChain(args[1:])
	default:
		fail(usage)
		os.Exit(2)
	}
}

func runIdentityInit(args []string) {
	fs := flag.NewFlagSet("identity init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.String("dir", "data/identity", "identity directory")
	namespace := fs.String("namespace", "agent", "DID namespace")
	name := fs.String("name", "", "DID name")
	ctlPlatform := fs.String("controller-platform", "", "controller platform")
	ctlHandle := fs.String("controller-handle", "", "controller handle")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if strings.TrimSpace(*name) == "" {
		fail("--name is required")
		os.Exit(2)
	}

	var controller *identity.Controller
	if *ctlPlatform != "" || *ctlHandle != "" {
		if *ctlPlatform == "" || *ctlHandle == "" {
			fail("controller needs both --controller-platform and --controller-handle")
			os.Exit(2)
		}
		controller = &identity.Controller{Platform: *ctlPlatform, Handle: *ctlHandle}
	}

	doc, err := identity.NewManager(*dir).Init(*namespace, *name, controller)
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	pass(map[string]any{"did": doc.ID, "keyId": doc.CurrentKeyID(), "dir": *dir})
}

func runIdentityShow(args []string) {
	fs := flag.NewFlagSet("identity show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.String("dir", "data/identity", "identity directory")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	doc, err := identity.NewManager(*dir).Load()
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(doc)
}

func runIdentityRotate(args []string) {
	fs := flag.NewFlagSet("identity rotate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.String("dir", "data/identity", "identity directory")
	reason := fs.String("reason", "scheduled", "rotation reason")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	m := identity.NewManager(*dir)
	proof, err := m.Rotate(*reason)
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	pass(map[string]any{
		"previousKeyId": proof.PreviousKeyID,
		"newKeyId":      proof.NewKeyID,
		"reason":        proof.Reason,
		"rotatedAt":     proof.RotatedAt,
	})
}

func runIdentityRecover(args []string) {
	fs := flag.NewFlagSet("identity recover", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.String("dir", "data/identity", "identity directory")
	proof := fs.String("proof", "", "controller proof platform:handle:token")
	confirm := fs.Bool("confirm", false, "apply the recovery instead of previewing it")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if *proof == "" {
		fail("--proof is required")
		os.Exit(2)
	}
	m := identity.NewManager(*dir)
	preview, doc, err := m.Recover(*proof, *confirm)
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	if !*confirm {
		pass(map[string]any{
			"preview":       true,
			"did":           preview.DID,
			"revokedKeyIds": preview.RevokedKeyIDs,
			"hint":          "re-run with --confirm to apply",
		})
		return
	}
	pass(map[string]any{"did": doc.ID, "keyId": doc.CurrentKeyID(), "recovered": true})
}

func runVerifyChain(args []string) {
	fs := flag.NewFlagSet("identity verify-chain", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.String("dir", "data/identity", "identity directory")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	doc, err := identity.NewManager(*dir).Load()
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	problems := identity.VerifyKeyChainIntegrity(doc)
	if len(problems) == 0 {
		color.New(color.FgGreen).Fprintf(os.Stderr, "✓ key chain intact (%d keys)\n", len(doc.KeyHistory))
		pass(map[string]any{"did": doc.ID, "keys": len(doc.KeyHistory), "intact": true})
		return
	}
	red := color.New(color.FgRed)
	for _, p := range problems {
		red.Fprintf(os.Stderr, "✗ %s\n", p)
	}
	fail(strings.Join(problems, "; "))
	os.Exit(1)
}

func runWitness(args []string) {
	fs := flag.NewFlagSet("witness", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.String("dir", "data/identity", "identity directory")
	dataDir := fs.String("data", "data/entities", "entity store directory")
	hash := fs.String("hash", "", "sha256 document hash (hex, sha256: prefix allowed)")
	file := fs.String("file", "", "file to hash instead of --hash")
	source := fs.String("source", "", "capture source")
	var flags repeatStringFlag
	fs.Var(&flags, "flag", "risk flag (repeatable)")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	docHash := *hash
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			fail("read file: " + err.Error())
			os.Exit(1)
		}
		sum := sha256.Sum256(data)
		docHash = hex.EncodeToString(sum[:])
	}
	if docHash == "" {
		fail("one of --hash or --file is required")
		os.Exit(2)
	}

	st, err := store.NewFS(*dataDir)
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	defer st.Close()
	eng := engine.New(st, identity.NewManager(*dir), engine.Options{})
	rec, err := eng.Witness(context.Background(), docHash, *source, flags)
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	pass(map[string]any{
		"witnessId":    rec.WitnessID,
		"documentHash": rec.DocumentHash,
		"signedBy":     rec.SignedBy,
	})
}

func runProposals(args []string) {
	fs := flag.NewFlagSet("proposals", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.String("dir", "data/identity", "identity directory")
	dataDir := fs.String("data", "data/entities", "entity store directory")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	st, err := store.NewFS(*dataDir)
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	defer st.Close()
	eng := engine.New(st, identity.NewManager(*dir), engine.Options{})
	proposals, err := eng.ListProposals(context.Background())
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	for _, p := range proposals {
		statusColor(p.Status).Fprintf(os.Stderr, "%-10s", p.Status)
		fmt.Fprintf(os.Stderr, " %s  %s -> %s\n", p.ProposalID, p.Proposer, p.Counterparty)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(proposals)
}

func statusColor(s engine.ProposalStatus) *color.Color {
	switch s {
	case engine.ProposalAccepted:
		return color.New(color.FgGreen)
	case engine.ProposalRejected, engine.ProposalExpired:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}

type repeatStringFlag []string

func (r *repeatStringFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatStringFlag) Set(v string) error {
	if v = strings.TrimSpace(v); v != "" {
		*r = append(*r, v)
	}
	return nil
}

func pass(fields map[string]any) {
	fields["status"] = "OK"
	fields["timestamp_utc"] = time.Now().UTC().Format(time.RFC3339)
	b, _ := json.Marshal(fields)
	fmt.Println(string(b))
}

func fail(reason string) {
	b, _ := json.Marshal(map[string]any{
		"status":        "FAIL",
		"reason":        reason,
		"timestamp_utc": time.Now().UTC().Format(time.RFC3339),
	})
	fmt.Println(string(b))
}
