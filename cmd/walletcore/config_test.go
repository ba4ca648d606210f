package main

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// TestActiveNet checks the network flags.
func TestActiveNet(t *testing.T) {
	t.Parallel()

	params, err := activeNet(&config{})
	require.NoError(t, err)
	require.Equal(t, chaincfg.MainNetParams.Name, params.Name)

	params, err = activeNet(&config{RegTest: true})
	require.NoError(t, err)
	require.Equal(t, chaincfg.RegressionNetParams.Name, params.Name)

	_, err = activeNet(&config{TestNet3: true, SigNet: true})
	require.ErrorIs(t, err, errMultipleNetworks)
}

// TestParseDebugLevels checks global and per subsystem levels.
func TestParseDebugLevels(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		wantErr bool
	}{
		{name: "global", level: "debug"},
		{name: "per subsystem", level: "WLLT=trace,TMGR=info"},
		{name: "bad level", level: "loud", wantErr: true},
		{name: "bad subsystem", level: "NOPE=info", wantErr: true},
		{name: "missing pair", level: "WLLT=info,debug", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := parseAndSetDebugLevels(tc.level)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
