package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cartesi-corp/rollup-manager/internal/machine"
)

func validRanges() map[string]machine.MemoryRangeConfig {
	return map[string]machine.MemoryRangeConfig{
		"rx_buffer":      {Start: 0, Length: 16, Log2Size: 4},
		"tx_buffer":      {Start: 0x1000, Length: 16, Log2Size: 4},
		"input_metadata": {Start: 0x2000, Length: 128, Log2Size: 7},
		"voucher_hashes": {Start: 0x3000, Length: 32, Log2Size: 5},
		"notice_hashes":  {Start: 0x4000, Length: 32, Log2Size: 5},
	}
}

func TestValidateMemoryRangeDescriptorAccepts(t *testing.T) {
	for name, r := range validRanges() {
		require.NoError(t, validateMemoryRangeDescriptor(name, r))
	}
}

func TestValidateMemoryRangeDescriptorRejectsNonPowerOfTwoLength(t *testing.T) {
	err := validateMemoryRangeDescriptor("rx_buffer", machine.MemoryRangeConfig{Start: 0, Length: 17, Log2Size: 4})
	require.Error(t, err)
}

func TestValidateMemoryRangeDescriptorRejectsMismatchedLog2Size(t *testing.T) {
	err := validateMemoryRangeDescriptor("rx_buffer", machine.MemoryRangeConfig{Start: 0, Length: 16, Log2Size: 5})
	require.Error(t, err)
}

func TestValidateMemoryRangeDescriptorRejectsMisalignedStart(t *testing.T) {
	err := validateMemoryRangeDescriptor("rx_buffer", machine.MemoryRangeConfig{Start: 1, Length: 16, Log2Size: 4})
	require.Error(t, err)
}

func TestValidateMemoryRangeDescriptorRejectsShared(t *testing.T) {
	err := validateMemoryRangeDescriptor("rx_buffer", machine.MemoryRangeConfig{Start: 0, Length: 16, Log2Size: 4, Shared: true})
	require.Error(t, err)
}

func validInitialConfig() machine.InitialConfig {
	r := validRanges()
	return machine.InitialConfig{
		HTIF: machine.HTIFConfig{YieldManual: true, YieldAutomatic: true, ConsoleGetChar: false},
		Rollup: &machine.RollupConfig{
			RxBuffer:      r["rx_buffer"],
			TxBuffer:      r["tx_buffer"],
			InputMetadata: r["input_metadata"],
			VoucherHashes: r["voucher_hashes"],
			NoticeHashes:  r["notice_hashes"],
		},
	}
}

func TestValidateInitialConfigAccepts(t *testing.T) {
	require.NoError(t, validateInitialConfig(validInitialConfig()))
}

func TestValidateInitialConfigRejectsMissingRollup(t *testing.T) {
	cfg := validInitialConfig()
	cfg.Rollup = nil
	require.Error(t, validateInitialConfig(cfg))
}

func TestValidateInitialConfigRejectsConsoleGetChar(t *testing.T) {
	cfg := validInitialConfig()
	cfg.HTIF.ConsoleGetChar = true
	require.Error(t, validateInitialConfig(cfg))
}

func TestValidateInitialConfigRejectsMissingYieldManual(t *testing.T) {
	cfg := validInitialConfig()
	cfg.HTIF.YieldManual = false
	require.Error(t, validateInitialConfig(cfg))
}

func TestValidateInitialConfigRejectsMissingYieldAutomatic(t *testing.T) {
	cfg := validInitialConfig()
	cfg.HTIF.YieldAutomatic = false
	require.Error(t, validateInitialConfig(cfg))
}

func TestValidateInitialConfigRejectsBadRange(t *testing.T) {
	cfg := validInitialConfig()
	cfg.Rollup.RxBuffer.Log2Size = 99
	require.Error(t, validateInitialConfig(cfg))
}

func TestKillProcessGroupOnNilCommandIsNoop(t *testing.T) {
	require.NotPanics(t, func() { killProcessGroup(nil) })
}
