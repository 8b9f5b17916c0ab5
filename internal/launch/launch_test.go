package launch

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provide-io/kiln/internal/kilnerr"
	"github.com/provide-io/kiln/internal/manifest"
	"github.com/provide-io/kiln/internal/platform"
	"github.com/provide-io/kiln/internal/runtime"
)

var linux64 = platform.Platform{OS: platform.OSLinux, Arch: platform.ArchX86_64}

func testLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: "launch_test", Level: hclog.Trace})
}

func arg(values ...string) manifest.Argument {
	return manifest.Argument{Values: values}
}

func featureArg(feature string, values ...string) manifest.Argument {
	return manifest.Argument{
		Values: values,
		Rules:  []manifest.Rule{{Action: manifest.ActionAllow, Features: map[string]bool{feature: true}}},
	}
}

func modernManifest() *manifest.Manifest {
	return &manifest.Manifest{
		ID:        "1.20.1",
		Chain:     []string{"1.20.1"},
		Platform:  linux64,
		Type:      "release",
		MainClass: "net.minecraft.client.main.Main",
		JavaMajor: 17,
		AssetIndex: &manifest.AssetIndexRef{
			ID: "5",
		},
		Libraries: []manifest.ResolvedLibrary{
			{Name: "com.mojang:brigadier", Version: "1.1.8", Path: "com/mojang/brigadier/1.1.8/brigadier-1.1.8.jar"},
			{Name: "org.lwjgl:lwjgl:natives-linux", Version: "3.3.1", Path: "org/lwjgl/lwjgl/3.3.1/lwjgl-3.3.1-natives-linux.jar", Native: true},
			{Name: "com.google.guava:guava", Version: "31.1-jre", Path: "com/google/guava/guava/31.1-jre/guava-31.1-jre.jar"},
		},
		JVMArgs: []manifest.Argument{
			{
				Values: []string{"-XstartOnFirstThread"},
				Rules:  []manifest.Rule{{Action: manifest.ActionAllow, OS: &manifest.OSRule{Name: "osx"}}},
			},
			arg("-Djava.library.path=${natives_directory}"),
			arg("-Dminecraft.launcher.brand=${launcher_name}"),
			arg("-cp"),
			arg("${classpath}"),
		},
		GameArgs: []manifest.Argument{
			arg("--username", "${auth_player_name}"),
			arg("--version", "${version_name}"),
			arg("--gameDir", "${game_directory}"),
			arg("--assetsDir", "${assets_root}"),
			arg("--assetIndex", "${assets_index_name}"),
			arg("--uuid", "${auth_uuid}"),
			arg("--accessToken", "${auth_access_token}"),
			arg("--userType", "${user_type}"),
			arg("--versionType", "${version_type}"),
			featureArg("is_demo_user", "--demo"),
			featureArg("has_custom_resolution", "--width", "${resolution_width}", "--height", "${resolution_height}"),
			featureArg("has_quick_plays_support", "--quickPlayPath", "${quickPlayPath}"),
		},
		Logging: &manifest.LoggingClient{
			Argument: "-Dlog4j.configurationFile=${path}",
		},
	}
}

func testLayout() Layout {
	return Layout{
		GameDir:       "/kiln/instances/demo/.minecraft",
		LibrariesDir:  "/kiln/instances/demo/libraries",
		NativesDir:    "/kiln/instances/demo/libraries/natives",
		AssetsDir:     "/kiln/assets",
		ClientJar:     "/kiln/instances/demo/.minecraft/versions/1.20.1/1.20.1.jar",
		LoggingConfig: "/kiln/assets/log_configs/client-1.12.xml",
	}
}

func testInput() Input {
	return Input{
		Manifest: modernManifest(),
		Runtime:  runtime.Binary{Major: 17, Path: "/kiln/runtimes/java-17/bin/java"},
		Account:  Account{Name: "Steve"},
		Layout:   testLayout(),
	}
}

func valueAfter(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatalf("%s not found in %v", flag, args)
	return ""
}

func TestAssembleModern(t *testing.T) {
	spec, err := Assemble(testInput())
	require.NoError(t, err)

	assert.Equal(t, "/kiln/runtimes/java-17/bin/java", spec.Executable)
	assert.Equal(t, "/kiln/instances/demo/.minecraft", spec.Dir)

	cp := valueAfter(t, spec.Args, "-cp")
	assert.Equal(t, strings.Join([]string{
		"/kiln/instances/demo/libraries/com/mojang/brigadier/1.1.8/brigadier-1.1.8.jar",
		"/kiln/instances/demo/libraries/com/google/guava/guava/31.1-jre/guava-31.1-jre.jar",
		"/kiln/instances/demo/.minecraft/versions/1.20.1/1.20.1.jar",
	}, ":"), cp, "natives stay off the classpath and order is preserved")

	assert.Contains(t, spec.Args, "-Xmx2048M")
	assert.Contains(t, spec.Args, "-Djava.library.path=/kiln/instances/demo/libraries/natives")
	assert.Contains(t, spec.Args, "-Dminecraft.launcher.brand=kiln")
	assert.Contains(t, spec.Args, "-Dlog4j.configurationFile=/kiln/assets/log_configs/client-1.12.xml")
	assert.NotContains(t, spec.Args, "-XstartOnFirstThread")
	assert.NotContains(t, spec.Args, "--demo")
	assert.NotContains(t, spec.Args, "--width")
	assert.NotContains(t, spec.Args, "--quickPlayPath")

	assert.Equal(t, "Steve", valueAfter(t, spec.Args, "--username"))
	assert.Equal(t, "5", valueAfter(t, spec.Args, "--assetIndex"))
	assert.Equal(t, OfflineUUID("Steve"), valueAfter(t, spec.Args, "--uuid"))
	assert.Equal(t, "0", valueAfter(t, spec.Args, "--accessToken"))
	assert.Equal(t, "legacy", valueAfter(t, spec.Args, "--userType"))

	main := valueAfter(t, spec.Args, cp)
	assert.Equal(t, "net.minecraft.client.main.Main", main)
}

func TestAssembleIsDeterministic(t *testing.T) {
	in := testInput()
	in.Settings.Env = map[string]string{"ZED": "1", "ALPHA": "2", "MID": "3"}

	first, err := Assemble(in)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Assemble(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"ALPHA=2", "MID=3", "ZED=1"}, first.Env)
}

func TestCustomResolutionFeature(t *testing.T) {
	in := testInput()
	in.Settings.WindowWidth = 1280
	in.Settings.WindowHeight = 720

	spec, err := Assemble(in)
	require.NoError(t, err)
	assert.Equal(t, "1280", valueAfter(t, spec.Args, "--width"))
	assert.Equal(t, "720", valueAfter(t, spec.Args, "--height"))
}

func TestMacOnlyArgument(t *testing.T) {
	in := testInput()
	in.Manifest.Platform = platform.Platform{OS: platform.OSMac, Arch: platform.ArchArm64}

	spec, err := Assemble(in)
	require.NoError(t, err)
	assert.Contains(t, spec.Args, "-XstartOnFirstThread")
}

func TestAssembleLegacy(t *testing.T) {
	m := &manifest.Manifest{
		ID:              "1.8.9",
		Chain:           []string{"1.8.9"},
		Platform:        platform.Platform{OS: platform.OSMac, Arch: platform.ArchX86_64},
		MainClass:       "net.minecraft.client.main.Main",
		Assets:          "1.8",
		LegacyArguments: "--username ${auth_player_name} --session ${auth_session} --gameDir ${game_directory} --assetIndex ${assets_index_name}",
		Libraries: []manifest.ResolvedLibrary{
			{Name: "net.sf.jopt-simple:jopt-simple", Path: "net/sf/jopt-simple/jopt-simple/4.6/jopt-simple-4.6.jar"},
		},
	}
	in := testInput()
	in.Manifest = m
	in.Settings.WindowWidth = 854
	in.Settings.WindowHeight = 480

	spec, err := Assemble(in)
	require.NoError(t, err)

	assert.Contains(t, spec.Args, "-Djava.library.path=/kiln/instances/demo/libraries/natives")
	assert.Contains(t, spec.Args, "-XstartOnFirstThread")
	assert.Equal(t,
		"/kiln/instances/demo/libraries/net/sf/jopt-simple/jopt-simple/4.6/jopt-simple-4.6.jar:/kiln/instances/demo/.minecraft/versions/1.20.1/1.20.1.jar",
		valueAfter(t, spec.Args, "-cp"))
	assert.Equal(t, "0", valueAfter(t, spec.Args, "--session"))
	assert.Equal(t, "1.8", valueAfter(t, spec.Args, "--assetIndex"))
	assert.Equal(t, "854", valueAfter(t, spec.Args, "--width"))
	assert.Equal(t, "480", valueAfter(t, spec.Args, "--height"))
}

func TestThirtyTwoBitStackSize(t *testing.T) {
	in := testInput()
	in.Manifest.Platform = platform.Platform{OS: platform.OSWindows, Arch: platform.ArchX86}

	spec, err := Assemble(in)
	require.NoError(t, err)
	assert.Contains(t, spec.Args, "-Xss1M")
	assert.Contains(t, valueAfter(t, spec.Args, "-cp"), ";")
}

func TestSubstitutionErrors(t *testing.T) {
	t.Run("missing player name", func(t *testing.T) {
		in := testInput()
		in.Account = Account{}

		_, err := Assemble(in)
		require.Error(t, err)
		e, ok := kilnerr.As(err)
		require.True(t, ok)
		assert.Equal(t, kilnerr.CodeTemplateSubstitution, e.Code)
		assert.Equal(t, "auth_player_name", e.Context["placeholder"])
		assert.Equal(t, "${auth_player_name}", e.Context["argument"])
	})

	t.Run("online account without token", func(t *testing.T) {
		in := testInput()
		in.Account = Account{Name: "Alex", UUID: "b3b0b1a4-0c2f-4c0e-8f0e-3d2b7c9a1e55", UserType: "msa"}

		_, err := Assemble(in)
		require.Error(t, err)
		e, _ := kilnerr.As(err)
		assert.Equal(t, "auth_access_token", e.Context["placeholder"])
	})

	t.Run("unknown placeholder", func(t *testing.T) {
		in := testInput()
		in.Manifest.GameArgs = append(in.Manifest.GameArgs, arg("--mystery", "${not_a_thing}"))

		_, err := Assemble(in)
		require.Error(t, err)
		assert.True(t, kilnerr.Is(err, kilnerr.CodeTemplateSubstitution))
	})
}

func TestUserArguments(t *testing.T) {
	in := testInput()
	in.Settings.MemoryMB = 4096
	in.Settings.JavaArgs = []string{"-XX:+UseG1GC", " "}
	in.Settings.GameArgs = []string{"--username", "Herobrine", "--fullscreen", "--server", "example.net"}

	spec, err := Assemble(in)
	require.NoError(t, err)

	assert.Contains(t, spec.Args, "-Xmx4096M")
	assert.Contains(t, spec.Args, "-XX:+UseG1GC")
	assert.NotContains(t, spec.Args, " ")
	assert.Equal(t, "Herobrine", valueAfter(t, spec.Args, "--username"))
	assert.Equal(t, 1, strings.Count(strings.Join(spec.Args, "\x00"), "--username"))
	assert.Equal(t, "example.net", valueAfter(t, spec.Args, "--server"))
	assert.Contains(t, spec.Args, "--fullscreen")
}

func TestPreLaunchPrefix(t *testing.T) {
	in := testInput()
	in.Settings.PreLaunchPrefix = []string{`env "MESA_GL_VERSION_OVERRIDE=4.5"`, "gamemoderun"}

	spec, err := Assemble(in)
	require.NoError(t, err)
	assert.Equal(t, "env", spec.Executable)
	assert.Equal(t, []string{"MESA_GL_VERSION_OVERRIDE=4.5", "gamemoderun", "/kiln/runtimes/java-17/bin/java"}, spec.Args[:3])
}

func TestMainClassOverride(t *testing.T) {
	in := testInput()
	in.Settings.MainClassOverride = "net.fabricmc.loader.impl.launch.knot.KnotClient"

	spec, err := Assemble(in)
	require.NoError(t, err)
	assert.Contains(t, spec.Args, "net.fabricmc.loader.impl.launch.knot.KnotClient")
	assert.NotContains(t, spec.Args, "net.minecraft.client.main.Main")
}

func TestRedacted(t *testing.T) {
	in := testInput()
	in.Account = Account{Name: "Alex", UUID: "b3b0b1a4-0c2f-4c0e-8f0e-3d2b7c9a1e55", AccessToken: "eyJsecret", UserType: "msa"}
	in.Settings.Env = map[string]string{"MS_AUTH_TOKEN": "abc", "LANG": "C"}

	spec, err := Assemble(in)
	require.NoError(t, err)

	r := spec.Redacted()
	line := strings.Join(r.Args, " ")
	assert.NotContains(t, line, "eyJsecret")
	assert.NotContains(t, line, "b3b0b1a4")
	assert.Equal(t, "********", valueAfter(t, r.Args, "--accessToken"))
	assert.Equal(t, []string{"LANG=C", "MS_AUTH_TOKEN=********"}, r.Env)

	// the original is untouched
	assert.Equal(t, "eyJsecret", valueAfter(t, spec.Args, "--accessToken"))
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr error
	}{
		{"", nil, nil},
		{"-Xmx4G -XX:+UseG1GC", []string{"-Xmx4G", "-XX:+UseG1GC"}, nil},
		{`-Dname="with spaces" next`, []string{"-Dname=with spaces", "next"}, nil},
		{`'single $HOME' "esc \"q\" \n"`, []string{"single $HOME", `esc "q" \n`}, nil},
		{`a\ b ''`, []string{"a b", ""}, nil},
		{`"open`, nil, ErrUnclosedQuote},
		{`trailing\`, nil, ErrTrailingEscape},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SplitArgs(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	round := []string{"java", "-Dx=it's", "plain", ""}
	got, err := SplitArgs(JoinArgs(round))
	require.NoError(t, err)
	assert.Equal(t, round, got)
}

func TestMergeGameArgs(t *testing.T) {
	base := []string{"--username", "Steve", "--demo", "--gameDir", "/g"}

	assert.Equal(t,
		[]string{"--username", "Alex", "--demo", "--gameDir", "/g", "--server", "mc.example"},
		MergeGameArgs(base, []string{"--username", "Alex", "--server", "mc.example"}))
	assert.Equal(t,
		[]string{"--username", "Steve", "--demo", "6", "--gameDir", "/g"},
		MergeGameArgs(base, []string{"--demo", "6"}))
	assert.Equal(t, base, MergeGameArgs(base, []string{"--demo"}))
}

func nativeJar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractNatives(t *testing.T) {
	root := t.TempDir()
	layout := Layout{
		LibrariesDir: filepath.Join(root, "libraries"),
		NativesDir:   filepath.Join(root, "libraries", "natives"),
	}
	rel := "org/lwjgl/lwjgl/3.3.1/lwjgl-3.3.1-natives-linux.jar"
	jarPath := filepath.Join(layout.LibrariesDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(jarPath), 0755))
	require.NoError(t, os.WriteFile(jarPath, nativeJar(t, map[string]string{
		"liblwjgl.so":          "elf",
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0",
	}), 0644))

	m := &manifest.Manifest{
		Libraries: []manifest.ResolvedLibrary{
			{Name: "org.lwjgl:lwjgl", Path: "org/lwjgl/lwjgl/3.3.1/lwjgl-3.3.1.jar"},
			{Name: "org.lwjgl:lwjgl:natives-linux", Path: rel, Native: true, Exclude: []string{"META-INF/"}},
		},
	}

	n, err := ExtractNatives(m, layout, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(filepath.Join(layout.NativesDir, "liblwjgl.so"))
	require.NoError(t, err)
	assert.Equal(t, "elf", string(data))
	_, err = os.Stat(filepath.Join(layout.NativesDir, "META-INF"))
	assert.True(t, os.IsNotExist(err))
}
