package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags restores every flag to its default; cobra keeps values between
// Execute calls on the same command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

type harness struct {
	dbPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{dbPath: filepath.Join(t.TempDir(), "saga.db")}
}

func (h *harness) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	cfgFile = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--db=" + h.dbPath, "--log-level=error"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func (h *harness) mustExec(t *testing.T, args ...string) string {
	t.Helper()
	out, err := h.exec(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	out := h.mustExec(t, "version")
	assert.Contains(t, out, "ordersaga dev")
	assert.Contains(t, out, "go: go")
}

func TestVersion_LoadsConfig(t *testing.T) {
	t.Cleanup(func() {
		cfgFile = ""
		viper.Reset()
		bindFlags()
	})

	path := filepath.Join(t.TempDir(), "ordersaga.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config=" + path, "version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "ordersaga dev")
	assert.Equal(t, path, viper.ConfigFileUsed())

	resetFlags(rootCmd)
	rootCmd.SetArgs([]string{"--config=" + filepath.Join(t.TempDir(), "absent.yaml"), "version"})
	assert.ErrorContains(t, rootCmd.Execute(), "reading config")
}

func TestMigrate(t *testing.T) {
	h := newHarness(t)
	out := h.mustExec(t, "migrate")
	assert.Contains(t, out, "is up to date")
	assert.FileExists(t, h.dbPath)

	// running twice is harmless
	h.mustExec(t, "migrate")
}

func TestInventoryCommands(t *testing.T) {
	h := newHarness(t)

	out := h.mustExec(t, "inventory", "list")
	assert.Contains(t, out, "no inventory")

	out = h.mustExec(t, "inventory", "seed")
	assert.Contains(t, out, "inventory seeded")

	out = h.mustExec(t, "inventory", "seed")
	assert.Contains(t, out, "nothing to do")

	out = h.mustExec(t, "inventory", "list")
	assert.Contains(t, out, "MacBook Pro 16")
	assert.Contains(t, out, "Dyson Cordless Vacuum")

	out = h.mustExec(t, "inv", "set", "1", "3")
	assert.Contains(t, out, "product 1: 3 in stock")

	out = h.mustExec(t, "inventory", "list")
	assert.Regexp(t, `1\s+MacBook Pro 16\s+3\n`, out)

	_, err := h.exec(t, "inventory", "set", "1", "lots")
	assert.ErrorContains(t, err, "invalid quantity")

	_, err = h.exec(t, "inventory", "set", "zero", "1")
	assert.ErrorContains(t, err, "invalid id")
}

func TestOrderCommands(t *testing.T) {
	h := newHarness(t)

	out := h.mustExec(t, "order", "create", "--user", "42", "--product", "2", "--quantity", "2", "--gateway", "naver_pay")
	assert.Contains(t, out, "order:    1")
	assert.Contains(t, out, "status:   PENDING")
	assert.Contains(t, out, "iPhone 15 Pro (#2) x 2")
	assert.Contains(t, out, "total:    3100000")
	assert.Contains(t, out, "gateway:  NAVER_PAY")

	out = h.mustExec(t, "order", "create", "--user", "7", "--product", "99", "--name", "Gift Card", "--price", "50000")
	assert.Contains(t, out, "order:    2")
	assert.Contains(t, out, "Gift Card (#99) x 1")
	assert.NotContains(t, out, "gateway:")

	out = h.mustExec(t, "order", "get", "1")
	assert.Contains(t, out, "history:  PENDING")

	out = h.mustExec(t, "order", "list")
	assert.Contains(t, out, "iPhone 15 Pro")
	assert.Contains(t, out, "Gift Card")

	out = h.mustExec(t, "order", "list", "--limit", "1")
	assert.NotContains(t, out, "iPhone 15 Pro")

	_, err := h.exec(t, "order", "get", "9")
	assert.ErrorContains(t, err, "not found")

	_, err = h.exec(t, "order", "create", "--user", "1", "--product", "1", "--quantity", "0")
	assert.ErrorContains(t, err, "quantity")

	_, err = h.exec(t, "order", "create", "--user", "1", "--product", "1", "--gateway", "KAKAO")
	assert.ErrorContains(t, err, "invalid gateway")

	_, err = h.exec(t, "order", "create", "--user", "1", "--product", "1", "--price", "cheap")
	assert.ErrorContains(t, err, "invalid --price")

	_, err = h.exec(t, "order", "create", "--product", "1")
	assert.Error(t, err)
}

func TestPaymentCommands_NoPayment(t *testing.T) {
	h := newHarness(t)
	h.mustExec(t, "order", "create", "--user", "1", "--product", "1")

	_, err := h.exec(t, "payment", "status", "1")
	assert.ErrorContains(t, err, "not found")

	_, err = h.exec(t, "payment", "cancel", "1")
	assert.ErrorContains(t, err, "not found")
}

func TestDeadLetters_Empty(t *testing.T) {
	h := newHarness(t)
	out := h.mustExec(t, "dlq")
	assert.Contains(t, out, "no dead letters")
}

func TestConfigFile_Missing(t *testing.T) {
	h := newHarness(t)
	t.Cleanup(func() {
		cfgFile = ""
		viper.Reset()
		bindFlags()
	})
	resetFlags(rootCmd)
	rootCmd.SetArgs([]string{"--db=" + h.dbPath, "--config=" + filepath.Join(t.TempDir(), "absent.yaml"), "migrate"})
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "reading config")
}

func TestConfigFile_Overrides(t *testing.T) {
	h := newHarness(t)
	t.Cleanup(func() {
		cfgFile = ""
		viper.Reset()
		bindFlags()
	})

	path := filepath.Join(t.TempDir(), "ordersaga.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
products:
  - id: 1
    name: Espresso Machine
    price: "450000"
    stock: 4
`), 0o600))

	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--db=" + h.dbPath, "--config=" + path, "inventory", "seed"})
	require.NoError(t, rootCmd.Execute())

	out.Reset()
	rootCmd.SetArgs([]string{"--db=" + h.dbPath, "--config=" + path, "inventory", "list"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Espresso Machine")
	assert.NotContains(t, out.String(), "MacBook")
}
