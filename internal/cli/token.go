package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/kilupskalvis/scenemerge/internal/config"
	"github.com/kilupskalvis/scenemerge/internal/server"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var (
	tokenID         string
	tokenDesc       string
	tokenDocs       []string
	tokenPermission string
	tokenSave       bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate an access token",
	Long: `Generate a random bearer token and its config entry.

Only the SHA256 hash goes into the config file; the raw token is printed
once and cannot be recovered.

Examples:
  scenemerge token --docs '*'
  scenemerge token --id viewer --docs design --permission ro
  scenemerge token --id ci --save`,
	Args: cobra.NoArgs,
	Run:  runToken,
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenID, "id", "", "Token id (default: random)")
	f.StringVar(&tokenDesc, "desc", "", "Token description")
	f.StringArrayVar(&tokenDocs, "docs", nil, "Documents to grant access to, repeat for multiple (default: *)")
	f.StringVar(&tokenPermission, "permission", server.PermissionReadWrite, "Permission level: ro or rw")
	f.BoolVar(&tokenSave, "save", false, "Append the token to the config file")
}

func runToken(_ *cobra.Command, _ []string) {
	if tokenPermission != server.PermissionRead && tokenPermission != server.PermissionReadWrite {
		exitError("permission must be %q or %q", server.PermissionRead, server.PermissionReadWrite)
	}

	raw, entry := newToken(tokenID, tokenDesc, tokenDocs, tokenPermission)

	if tokenSave {
		cfg := loadConfig()
		if cfg.Path() == "" {
			exitError("no config file to save to, run 'scenemerge init' first")
		}
		cfg.Tokens = append(cfg.Tokens, entry)
		if err := cfg.Validate(); err != nil {
			exitError("%v", err)
		}
		if err := cfg.Save(); err != nil {
			exitError("failed to save config: %v", err)
		}
		fmt.Printf("Added token '%s' to %s\n", entry.ID, cfg.Path())
	} else {
		snippet, err := toml.Marshal(struct {
			Tokens []config.Token `toml:"tokens"`
		}{Tokens: []config.Token{entry}})
		if err != nil {
			exitError("failed to encode token: %v", err)
		}
		fmt.Printf("Add to your config file:\n\n%s\n", snippet)
	}

	fmt.Printf("Token: ")
	color.New(color.FgGreen, color.Bold).Println(raw)
	color.Yellow("Store it now; it is not shown again.")
}

// newToken returns a raw token and the config entry holding its hash.
func newToken(id, desc string, docs []string, permission string) (string, config.Token) {
	if id == "" {
		id = shortID(generateID())
	}
	if len(docs) == 0 {
		docs = []string{"*"}
	}
	raw := fmt.Sprintf("sm_%s", generateID())
	return raw, config.Token{
		ID:          strings.TrimSpace(id),
		TokenHash:   server.HashToken(raw),
		Description: desc,
		Docs:        docs,
		Permission:  permission,
	}
}

// generateID returns a cryptographically random 16-byte hex string.
func generateID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
