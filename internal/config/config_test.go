package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_KebabToSnakeCase(t *testing.T) {
	assert.Equal(t, "drainer.max_retries", KebabToSnakeCase("drainer.max-retries"))
	assert.Equal(t, "debug", KebabToSnakeCase("debug"))
}

func Test_ParseChain(t *testing.T) {
	assert.Equal(t, Chain_Mainnet, parseChain("mainnet"))
	assert.Equal(t, Chain_Sepolia, parseChain("Sepolia"))
	assert.Equal(t, Chain_Local, parseChain(""))
	assert.Equal(t, Chain_Local, parseChain("somethingelse"))
}

func Test_NewConfig_Defaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	cfg := NewConfig()
	assert.Equal(t, Chain_Local, cfg.Chain)
	assert.Equal(t, "100", cfg.DistributionConfig.MaxAmount.String())
	assert.Equal(t, "0.005", cfg.DistributionConfig.RefinementRewardAmount.String())
}

func Test_GetRewardTokenAddress(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	cfg := NewConfig()
	cfg.Chain = Chain_Sepolia
	assert.Equal(t, rewardTokenAddresses[Chain_Sepolia], cfg.GetRewardTokenAddress())
}

func Test_GetRewardTokenAddress_RegistryOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contracts.yaml")
	contents := "rewardToken:\n  sepolia: \"0x000000000000000000000000000000000000beef\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg := &Config{Chain: Chain_Sepolia}
	cfg.DistributionConfig.ContractsFile = path
	assert.Equal(t, "0x000000000000000000000000000000000000beef", cfg.GetRewardTokenAddress())
}
