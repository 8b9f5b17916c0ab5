// Package launch turns a resolved manifest, a runtime and instance settings
// into the exact command line of a game process.
//
// Assemble does no I/O: the same inputs always produce the same Spec.
// ExtractNatives is the one filesystem step and runs before it.
package launch

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/provide-io/kiln/internal/manifest"
	"github.com/provide-io/kiln/internal/platform"
	"github.com/provide-io/kiln/internal/runtime"
)

const (
	DefaultMemoryMB = 2048

	DefaultLauncherName = "kiln"

	// offlineToken stands in for the access token of offline accounts.
	offlineToken = "0"

	// DefaultClientID is substituted for ${clientid} when the account has
	// none.
	DefaultClientID = "c36a9fb6-4f2a-41ff-90bd-ae7cc92031eb"
)

// Settings are the per-instance launch preferences.
type Settings struct {
	MemoryMB int

	// JavaArgs and GameArgs are split with shell quoting rules.
	JavaArgs []string
	GameArgs []string

	WindowWidth  int
	WindowHeight int

	// PreLaunchPrefix wraps the java command, e.g. "gamemoderun" or
	// "prime-run". Each entry is split with shell quoting rules.
	PreLaunchPrefix []string

	MainClassOverride string
	Env               map[string]string
}

// Account carries the identity substituted into arguments. Tokens are
// opaque.
type Account struct {
	Name        string
	UUID        string
	AccessToken string
	XUID        string
	ClientID    string

	// UserType is "msa" for online accounts; empty means offline.
	UserType string
}

// Offline reports whether the account has no online identity.
func (a Account) Offline() bool {
	return a.UserType == "" || a.UserType == "legacy"
}

// OfflineUUID derives a stable UUID from a player name.
func OfflineUUID(name string) string {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte("OfflinePlayer:"+name)).String()
}

// Layout locates the directories a launch reads from.
type Layout struct {
	GameDir      string
	LibrariesDir string
	NativesDir   string
	AssetsDir    string
	ClientJar    string

	// LoggingConfig is the downloaded client logging configuration, if any.
	LoggingConfig string
}

// Input is everything Assemble needs.
type Input struct {
	Manifest *manifest.Manifest
	Runtime  runtime.Binary
	Settings Settings
	Account  Account
	Layout   Layout

	LauncherName    string
	LauncherVersion string
}

// Spec is a ready-to-run command.
type Spec struct {
	Executable string
	Args       []string

	// Env holds KEY=VALUE overrides sorted by key, applied over the parent
	// environment.
	Env []string
	Dir string
}

// Assemble builds the launch command for in.
func Assemble(in Input) (*Spec, error) {
	m := in.Manifest
	if m == nil {
		return nil, errors.New("launch: no manifest")
	}
	if in.Runtime.Path == "" {
		return nil, errors.New("launch: no java runtime")
	}
	if in.Layout.GameDir == "" {
		return nil, errors.New("launch: no game directory")
	}

	mainClass := in.Settings.MainClassOverride
	if mainClass == "" {
		mainClass = m.MainClass
	}
	if mainClass == "" {
		return nil, fmt.Errorf("launch: manifest %s has no main class", m.ID)
	}

	features := map[string]bool{
		"has_custom_resolution": in.Settings.WindowWidth > 0 && in.Settings.WindowHeight > 0,
	}
	vars := variables(in, classpath(m, in.Layout))

	jvm, err := jvmArgs(in, features, vars)
	if err != nil {
		return nil, err
	}
	game, err := gameArgs(in, features, vars)
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, len(jvm)+len(game)+1)
	args = append(args, jvm...)
	args = append(args, mainClass)
	args = append(args, game...)

	spec := &Spec{
		Executable: in.Runtime.Path,
		Args:       args,
		Env:        sortedEnv(in.Settings.Env),
		Dir:        in.Layout.GameDir,
	}

	var prefix []string
	for _, entry := range in.Settings.PreLaunchPrefix {
		words, err := SplitArgs(entry)
		if err != nil {
			return nil, fmt.Errorf("launch: pre-launch prefix %q: %w", entry, err)
		}
		prefix = append(prefix, words...)
	}
	if len(prefix) > 0 {
		wrapped := append(prefix[1:], spec.Executable)
		spec.Args = append(wrapped, spec.Args...)
		spec.Executable = prefix[0]
	}

	return spec, nil
}

// classpath lists classpath libraries in resolved order followed by the
// client jar.
func classpath(m *manifest.Manifest, layout Layout) string {
	entries := make([]string, 0, len(m.Libraries)+1)
	for _, lib := range m.Libraries {
		if lib.Native {
			continue
		}
		entries = append(entries, filepath.Join(layout.LibrariesDir, filepath.FromSlash(lib.Path)))
	}
	if layout.ClientJar != "" {
		entries = append(entries, layout.ClientJar)
	}
	return strings.Join(entries, m.Platform.ClasspathSeparator())
}

func variables(in Input, cp string) map[string]string {
	m := in.Manifest
	acct := in.Account

	id := acct.UUID
	if id == "" && acct.Name != "" {
		id = OfflineUUID(acct.Name)
	}

	token := acct.AccessToken
	userType := acct.UserType
	if acct.Offline() {
		userType = "legacy"
		if token == "" {
			token = offlineToken
		}
	}

	xuid := acct.XUID
	if xuid == "" {
		xuid = "0"
	}
	clientID := acct.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}

	assetIndex := m.Assets
	if m.AssetIndex != nil && m.AssetIndex.ID != "" {
		assetIndex = m.AssetIndex.ID
	}
	versionType := m.Type
	if versionType == "" {
		versionType = "release"
	}

	launcherName := in.LauncherName
	if launcherName == "" {
		launcherName = DefaultLauncherName
	}

	vars := map[string]string{
		"auth_player_name":    acct.Name,
		"version_name":        m.ID,
		"game_directory":      in.Layout.GameDir,
		"assets_root":         in.Layout.AssetsDir,
		"game_assets":         in.Layout.AssetsDir,
		"assets_index_name":   assetIndex,
		"auth_uuid":           id,
		"uuid":                id,
		"auth_access_token":   token,
		"auth_session":        token,
		"accessToken":         token,
		"auth_xuid":           xuid,
		"clientid":            clientID,
		"user_type":           userType,
		"version_type":        versionType,
		"user_properties":     "{}",
		"natives_directory":   in.Layout.NativesDir,
		"library_directory":   in.Layout.LibrariesDir,
		"classpath":           cp,
		"classpath_separator": m.Platform.ClasspathSeparator(),
		"launcher_name":       launcherName,
		"launcher_version":    in.LauncherVersion,
		"resolution_width":    strconv.Itoa(in.Settings.WindowWidth),
		"resolution_height":   strconv.Itoa(in.Settings.WindowHeight),
		"path":                in.Layout.LoggingConfig,
	}
	if in.LauncherVersion == "" {
		vars["launcher_version"] = "0"
	}
	return vars
}

func jvmArgs(in Input, features map[string]bool, vars map[string]string) ([]string, error) {
	m := in.Manifest
	p := m.Platform
	natives := in.Layout.NativesDir

	memory := in.Settings.MemoryMB
	if memory <= 0 {
		memory = DefaultMemoryMB
	}

	out := []string{
		"-Djna.tmpdir=" + natives,
		"-Dorg.lwjgl.system.SharedLibraryExtractPath=" + natives,
		"-Dio.netty.native.workdir=" + natives,
		fmt.Sprintf("-Xmx%dM", memory),
	}
	if !p.Is64Bit() {
		out = append(out, "-Xss1M")
	}
	if m.Logging != nil && m.Logging.Argument != "" && in.Layout.LoggingConfig != "" {
		arg, err := substitute(m.Logging.Argument, vars)
		if err != nil {
			return nil, err
		}
		out = append(out, arg)
	}

	if len(m.JVMArgs) > 0 {
		filled, err := substituteAll(selectArguments(m.JVMArgs, p, features), vars)
		if err != nil {
			return nil, err
		}
		out = append(out, filled...)
	} else {
		out = append(out,
			"-Djava.library.path="+natives,
			"-cp", vars["classpath"],
		)
		if p.OS == platform.OSMac {
			out = append(out, "-XstartOnFirstThread")
		}
	}

	for _, a := range in.Settings.JavaArgs {
		if strings.TrimSpace(a) != "" {
			out = append(out, a)
		}
	}
	return out, nil
}

func gameArgs(in Input, features map[string]bool, vars map[string]string) ([]string, error) {
	m := in.Manifest

	var templates []string
	if len(m.GameArgs) > 0 {
		templates = selectArguments(m.GameArgs, m.Platform, features)
	} else {
		templates = strings.Fields(m.LegacyArguments)
		if features["has_custom_resolution"] {
			templates = append(templates,
				"--width", strconv.Itoa(in.Settings.WindowWidth),
				"--height", strconv.Itoa(in.Settings.WindowHeight),
			)
		}
	}

	out, err := substituteAll(templates, vars)
	if err != nil {
		return nil, err
	}
	return MergeGameArgs(out, in.Settings.GameArgs), nil
}

// selectArguments flattens the arguments whose rules allow them.
func selectArguments(args []manifest.Argument, p platform.Platform, features map[string]bool) []string {
	var out []string
	for _, a := range args {
		if allowed, _ := manifest.Evaluate(a.Rules, p, features); !allowed {
			continue
		}
		out = append(out, a.Values...)
	}
	return out
}

// MergeGameArgs applies user arguments over base. A user "--key value"
// pair replaces the value of the same key in base; anything else is
// appended.
func MergeGameArgs(base, user []string) []string {
	out := append([]string(nil), base...)
	for i := 0; i < len(user); i++ {
		arg := user[i]
		if !strings.HasPrefix(arg, "--") {
			out = append(out, arg)
			continue
		}

		hasValue := i+1 < len(user) && !strings.HasPrefix(user[i+1], "--")
		at := indexOf(out, arg)
		switch {
		case at >= 0 && hasValue && at+1 < len(out) && !strings.HasPrefix(out[at+1], "--"):
			out[at+1] = user[i+1]
		case at >= 0 && !hasValue:
		case at >= 0 && hasValue:
			out = append(out[:at+1], append([]string{user[i+1]}, out[at+1:]...)...)
		default:
			out = append(out, arg)
			if hasValue {
				out = append(out, user[i+1])
			}
		}
		if hasValue {
			i++
		}
	}
	return out
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func sortedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
