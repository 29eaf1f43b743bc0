package wallet

import (
	"context"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "warchest-fleet-*.yaml")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	_, err = tmpFile.WriteString(body)
	require.NoError(t, err)
	tmpFile.Close()
	return tmpFile.Name()
}

func TestLoadFleet(t *testing.T) {
	manifest := `
wallets:
  - id: treasury
    address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
    role: funder
    balance: 12.5
  - id: dev-01
    address: "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"
    role: dev
    balance: 0.2
  - id: numbered-01
    address: "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
    role: numbered
`
	repo, err := LoadFleet(writeManifest(t, manifest))
	require.NoError(t, err)
	assert.Equal(t, 3, repo.Len())

	ctx := context.Background()

	treasury, err := repo.Get(ctx, "treasury")
	require.NoError(t, err)
	assert.Equal(t, RoleFunder, treasury.Role)
	assert.True(t, treasury.Balance.Equal(decimal.NewFromFloat(12.5)))

	// Lowercase addresses come back checksum-normalized.
	dev, err := repo.Get(ctx, "dev-01")
	require.NoError(t, err)
	assert.Equal(t, "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359", dev.Address)

	// List preserves manifest order.
	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "treasury", all[0].ID)
	assert.Equal(t, "numbered-01", all[2].ID)
}

func TestLoadFleet_Rejections(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
		want     string
	}{
		{
			"empty manifest",
			`wallets: []`,
			"no wallets",
		},
		{
			"missing id",
			`
wallets:
  - address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
    role: dev
`,
			"has no id",
		},
		{
			"duplicate id",
			`
wallets:
  - id: w1
    address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
    role: dev
  - id: w1
    address: "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
    role: dev
`,
			"duplicate wallet id",
		},
		{
			"duplicate address",
			`
wallets:
  - id: w1
    address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
    role: dev
  - id: w2
    address: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
    role: dev
`,
			"duplicate address",
		},
		{
			"unknown role",
			`
wallets:
  - id: w1
    address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
    role: auditor
`,
			"unknown role",
		},
		{
			"bad checksum",
			`
wallets:
  - id: w1
    address: "0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
    role: dev
`,
			"checksum",
		},
		{
			"negative balance",
			`
wallets:
  - id: w1
    address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
    role: dev
    balance: -1
`,
			"negative balance",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFleet(writeManifest(t, tc.manifest))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadFleet_MissingFile(t *testing.T) {
	_, err := LoadFleet("/nonexistent/fleet.yaml")
	require.Error(t, err)
}
