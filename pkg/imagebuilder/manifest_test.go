package imagebuilder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseManifestOpkg(t *testing.T) {
	m, err := ParseManifest("base-files - 1554-r23630\nbusybox - 1.36.1-1\n")
	require.NoError(t, err)
	require.Equal(t, Manifest{"base-files": "1554-r23630", "busybox": "1.36.1-1"}, m)
}

func TestParseManifestApk(t *testing.T) {
	m, err := ParseManifest("base-files 1554-r28000\nbusybox 1.36.1-r1\n\n")
	require.NoError(t, err)
	require.Equal(t, Manifest{"base-files": "1554-r28000", "busybox": "1.36.1-r1"}, m)
}

func TestParseManifestMalformed(t *testing.T) {
	_, err := ParseManifest("lonely\n")
	require.Error(t, err)
}

const infoOutput = `Current Target: "ath79/generic"
Current Architecture: "mips"
Current Revision: "r23630-842932a63d"
Default Packages: base-files busybox dropbear
Available Profiles:

tplink_archer-c7-v2:
    TP-Link Archer C7 v2
    Packages: kmod-ath10k-ct ath10k-firmware-qca988x-ct
    hasImageMetadata: 1
generic:
    Generic
    Packages: 
`

func TestParseInfo(t *testing.T) {
	info, err := ParseInfo(infoOutput, "tplink_archer-c7-v2")
	require.NoError(t, err)
	require.Equal(t, "r23630-842932a63d", info.Revision)
	require.Equal(t, []string{"base-files", "busybox", "dropbear"}, info.DefaultPackages)
	require.Equal(t, []string{"kmod-ath10k-ct", "ath10k-firmware-qca988x-ct"}, info.ProfilePackages)

	info, err = ParseInfo(infoOutput, "generic")
	require.NoError(t, err)
	require.Empty(t, info.ProfilePackages)

	_, err = ParseInfo(infoOutput, "nope")
	require.True(t, errors.Is(err, ErrUnknownProfile))

	_, err = ParseInfo("garbage", "generic")
	require.Error(t, err)
}
