package request

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackageListPrefersPackagesVersions(t *testing.T) {
	req := BuildRequest{
		Packages:         []string{"ignored"},
		PackagesVersions: map[string]string{"+vim": "9.0", "tmux": "3.3"},
	}
	require.Equal(t, []string{"tmux", "vim"}, req.PackageList())
}

func TestPackageListKeepsOrder(t *testing.T) {
	req := BuildRequest{Packages: []string{"z", "+a", "m"}}
	require.Equal(t, []string{"z", "a", "m"}, req.PackageList())
}

func TestNormalize(t *testing.T) {
	req := BuildRequest{Target: "ath79/generic", Profile: "tplink,archer-c7-v2", Packages: []string{"+luci"}}
	req.Normalize()
	require.Equal(t, DefaultDistro, req.Distro)
	require.Equal(t, "tplink_archer-c7-v2", req.Profile)
	require.Equal(t, []string{"luci"}, req.Packages)

	x86 := BuildRequest{Target: "x86/64", Profile: "some-board"}
	x86.Normalize()
	require.Equal(t, "generic", x86.Profile)
}

func TestBranchName(t *testing.T) {
	known := func(name string) bool { return name == "SNAPSHOT" || name == "23.05" }
	cases := map[string]string{
		"SNAPSHOT":       "SNAPSHOT",
		"23.05":          "23.05",
		"23.05-SNAPSHOT": "23.05",
		"23.05.2":        "23.05",
		"21.02.0-rc1":    "21.02",
	}
	for version, want := range cases {
		require.Equal(t, want, BranchName(version, known), version)
	}
}

func TestContainerVersionTag(t *testing.T) {
	require.Equal(t, "v23.05.2", ContainerVersionTag("23.05.2"))
	require.Equal(t, "v21.02.0-rc1", ContainerVersionTag("21.02.0-rc1"))
	require.Equal(t, "master", ContainerVersionTag("SNAPSHOT"))
	require.Equal(t, "openwrt-23.05", ContainerVersionTag("23.05-SNAPSHOT"))
	require.True(t, IsSnapshot("23.05-SNAPSHOT"))
	require.False(t, IsSnapshot("23.05.2"))
}

func TestValidate(t *testing.T) {
	limits := Limits{MaxDefaultsLength: 8, MaxRootfsSizeMB: 1024, RepositoryAllowList: []string{"https://feed.example.org/"}}
	base := BuildRequest{Version: "23.05.2", Target: "ath79/generic", Profile: "tplink_archer-c7-v2"}
	require.NoError(t, base.Validate(limits))

	withDefaults := base
	withDefaults.Defaults = "echo hi"
	require.True(t, IsValidationError(withDefaults.Validate(limits)))
	limits.AllowDefaults = true
	require.NoError(t, withDefaults.Validate(limits))
	withDefaults.Defaults = "echo too long"
	require.Error(t, withDefaults.Validate(limits))

	size := 0
	tooSmall := base
	tooSmall.RootfsSizeMB = &size
	require.Error(t, tooSmall.Validate(limits))

	repo := base
	repo.Repositories = map[string]string{"extra feed": "https://feed.example.org/x"}
	require.Error(t, repo.Validate(limits))
	repo.Repositories = map[string]string{"extra": "ftp://feed.example.org/x"}
	require.Error(t, repo.Validate(limits))
	repo.Repositories = map[string]string{"extra": "https://other.example.org/x"}
	require.Error(t, repo.Validate(limits))
	repo.Repositories = map[string]string{"extra": "https://feed.example.org/x"}
	require.NoError(t, repo.Validate(limits))

	distro := base
	distro.Distro = "debian"
	require.Error(t, distro.Validate(limits))
}
