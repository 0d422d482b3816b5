package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/qobs-build/qext/internal/bridge"
	"github.com/qobs-build/qext/internal/builder/gen"
	"github.com/qobs-build/qext/internal/host"
	"github.com/qobs-build/qext/internal/msg"
	"github.com/qobs-build/qext/internal/settings"
)

const (
	GeneratorNinja  = "ninja"
	GeneratorQext   = "qext"
	GeneratorVS2022 = "vs2022"

	buildDirName = "build"
)

var errNoArtifact = errors.New("build finished but produced no module")

// BuildOptions select how a single build runs
type BuildOptions struct {
	Profile   string
	Generator string
	Inplace   bool // copy the module next to the descriptor, like build_ext --inplace
}

// BuildResult tells where the module ended up
type BuildResult struct {
	Artifact string // inside build/
	Inplace  string // copy next to the descriptor, if requested
	UpToDate bool   // nothing was translated, compiled or linked
	Host     *host.Info
}

type Builder struct {
	cfg      *Config
	basedir  string
	env      ConfigEnv
	settings *settings.Settings
	goos     string
}

func NewBuilderInDirectory(path string, s *settings.Settings) (*Builder, error) {
	var err error
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = settings.Default()
	}

	env := NewConfigEnv(path)
	cfg, err := ParseConfigFromFile(filepath.Join(path, ConfigFilename), env)
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, basedir: path, env: env, settings: s, goos: runtime.GOOS}, nil
}

// Config returns the parsed descriptor
func (b *Builder) Config() *Config { return b.cfg }

// BuildDir is where objects, build files and the module are written
func (b *Builder) BuildDir() string { return filepath.Join(b.basedir, buildDirName) }

func createGenerator(generator string, jobs int) (gen.Generator, error) {
	switch generator {
	case GeneratorNinja:
		return &gen.NinjaGen{}, nil
	case GeneratorQext, "":
		return gen.NewQextBuilder(jobs), nil
	case GeneratorVS2022:
		return gen.NewVS2022Gen(), nil
	default:
		return nil, fmt.Errorf("unknown generator %q", generator)
	}
}

func (b *Builder) makeCflags(profile string) ([]string, error) {
	prof, ok := b.cfg.Profile[profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q, known profiles: %s", profile, strings.Join(b.cfg.Profiles(), ", "))
	}
	var cflags []string
	optLevel, err := prof.OptLevelFlag()
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", profile, err)
	}
	if optLevel != "" {
		cflags = append(cflags, optLevel)
	}
	return cflags, nil
}

// targetFlags assembles compiler and linker flags in a fixed order: generated
// flags first, the descriptor's extra args last and verbatim
func (b *Builder) targetFlags(profileCflags []string, info *host.Info) (cflags, ldflags []string) {
	t := b.cfg.Target

	cflags = slices.Clone(profileCflags)
	cflags = append(cflags, picCflags(b.goos)...)
	cflags = append(cflags, "-I"+info.Include)
	for _, dir := range absPaths(b.basedir, t.IncludeDirs) {
		cflags = append(cflags, "-I"+dir)
	}

	defines := make([]string, 0, len(t.Defines))
	for define := range t.Defines {
		defines = append(defines, define)
	}
	slices.Sort(defines)
	for _, define := range defines {
		if v := t.Defines[define]; v != "" {
			cflags = append(cflags, "-D"+define+"="+v)
		} else {
			cflags = append(cflags, "-D"+define)
		}
	}
	cflags = append(cflags, t.ExtraCompileArgs...)

	ldflags = moduleLdflags(b.goos)
	for _, dir := range absPaths(b.basedir, t.LibraryDirs) {
		ldflags = append(ldflags, "-L"+dir)
	}
	for _, lib := range t.Libraries {
		ldflags = append(ldflags, "-l"+lib)
	}
	ldflags = append(ldflags, hostLdflags(b.goos, info)...)
	ldflags = append(ldflags, t.ExtraLinkArgs...)

	return cflags, ldflags
}

// Build validates the descriptor, translates the bridge source and hands the
// extension target to the generator. Toolchain failures are returned as-is,
// wrapped with the step that failed.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	if opts.Profile == "" {
		opts.Profile = b.settings.Profile
	}
	if opts.Generator == "" {
		opts.Generator = b.settings.Generator
	}
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	sources, err := resolveSources(b.basedir, b.cfg.Target.Sources)
	if err != nil {
		return nil, err
	}
	bridgeSrc, nativeSrcs, err := splitSources(sources)
	if err != nil {
		return nil, err
	}
	language, _ := bridge.ParseLanguage(b.cfg.Target.Language) // checked by Validate

	profileCflags, err := b.makeCflags(opts.Profile)
	if err != nil {
		return nil, err
	}

	if err := b.cfg.RunBuildScript(b.env); err != nil {
		return nil, err
	}

	python, err := host.FindInterpreter(b.settings.Python)
	if err != nil {
		return nil, err
	}
	info, err := host.Discover(ctx, python)
	if err != nil {
		return nil, err
	}

	cython, err := bridge.FindTranslator(b.settings.Cython)
	if err != nil {
		return nil, err
	}
	cc, err := findCompiler(false, b.settings.CC)
	if err != nil && language == bridge.LanguageC {
		return nil, err
	}
	cxx, err := findCompiler(true, b.settings.CXX)
	if err != nil && (language == bridge.LanguageCxx || slices.ContainsFunc(nativeSrcs, gen.IsCxx)) {
		return nil, err
	}

	g, err := createGenerator(opts.Generator, b.settings.Jobs)
	if err != nil {
		return nil, err
	}

	buildDir := b.BuildDir()
	artifactName := info.ArtifactName(b.cfg.Extension.Name)
	genDir := filepath.Join(buildDir, "QextFiles", artifactName+".dir", "gen")

	translator := &bridge.Translator{
		Path:        cython,
		Language:    language,
		IncludeDirs: absPaths(b.basedir, b.cfg.Target.IncludeDirs),
		Args:        b.cfg.Target.BridgeArgs,
	}
	generated, translated, err := translator.Translate(ctx, bridgeSrc, genDir)
	if err != nil {
		return nil, fmt.Errorf("translation failed: %w", err)
	}

	cflags, ldflags := b.targetFlags(profileCflags, info)
	g.SetCompiler(cc, cxx)
	g.AddTarget(gen.Target{
		Name:    artifactName,
		Basedir: b.basedir,
		Sources: append([]string{generated}, nativeSrcs...),
		Cxx:     language == bridge.LanguageCxx,
		Cflags:  cflags,
		Ldflags: ldflags,
	})

	artifact := filepath.Join(buildDir, artifactName)
	before := modTime(artifact)

	// generate the buildfile
	out, err := g.Generate()
	if err != nil {
		return nil, err
	}
	if out != "" {
		buildFile := filepath.Join(buildDir, g.BuildFile())
		if err = os.WriteFile(buildFile, []byte(out), 0644); err != nil {
			return nil, err
		}
	}

	if err := g.Invoke(ctx, buildDir); err != nil {
		return nil, err
	}

	after := modTime(artifact)
	if after.IsZero() {
		return nil, fmt.Errorf("%w: %s", errNoArtifact, artifact)
	}
	result := &BuildResult{
		Artifact: artifact,
		UpToDate: !translated && after.Equal(before),
		Host:     info,
	}

	if opts.Inplace {
		result.Inplace = b.inplacePath(artifactName)
		if err := copyFile(result.Artifact, result.Inplace); err != nil {
			return nil, fmt.Errorf("copying module in place: %w", err)
		}
	}

	return result, nil
}

func modTime(path string) time.Time {
	stat, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return stat.ModTime()
}

// inplacePath mirrors the dotted name under the descriptor directory:
// pkg.sub.Greeter lands in pkg/sub/
func (b *Builder) inplacePath(artifactName string) string {
	parts := strings.Split(b.cfg.Extension.Name, ".")
	dir := filepath.Join(append([]string{b.basedir}, parts[:len(parts)-1]...)...)
	return filepath.Join(dir, artifactName)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// describedTarget is the resolved, build-tool-consumable form of the descriptor
type describedTarget struct {
	Extension ExtensionSection `toml:"extension"`
	Target    TargetSection    `toml:"target"`
	Profile   ProfileSection   `toml:"profile"`
}

// Describe resolves conditionals and source patterns and renders the target
// that a build with profile would consume
func (b *Builder) Describe(profile string) (string, error) {
	if err := b.cfg.Validate(); err != nil {
		return "", err
	}
	sources, err := resolveSources(b.basedir, b.cfg.Target.Sources)
	if err != nil {
		return "", err
	}
	prof, ok := b.cfg.Profile[profile]
	if !ok {
		return "", fmt.Errorf("unknown profile %q, known profiles: %s", profile, strings.Join(b.cfg.Profiles(), ", "))
	}

	target := b.cfg.Target
	target.Sources = make([]string, len(sources))
	for i, src := range sources {
		rel, err := filepath.Rel(b.basedir, src)
		if err != nil {
			rel = src
		}
		target.Sources[i] = filepath.ToSlash(rel)
	}
	language, _ := bridge.ParseLanguage(target.Language)
	target.Language = string(language)

	data, err := toml.Marshal(describedTarget{Extension: b.cfg.Extension, Target: target, Profile: prof})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Clean removes the build directory, and with all also any module copied in place
func (b *Builder) Clean(all bool) error {
	if err := os.RemoveAll(b.BuildDir()); err != nil {
		return err
	}
	if !all {
		return nil
	}

	dir := filepath.Dir(b.inplacePath(b.cfg.ModuleName()))
	matches, err := filepath.Glob(filepath.Join(dir, b.cfg.ModuleName()+".*"))
	if err != nil {
		return err
	}
	for _, match := range matches {
		switch strings.ToLower(filepath.Ext(match)) {
		case ".so", ".pyd", ".dylib":
			msg.Debug("removing in-place module", "path", match)
			if err := os.Remove(match); err != nil {
				return err
			}
		}
	}
	return nil
}

// BuildAndRun builds the module and runs the host interpreter with the build
// directory on its module path. Without args it only imports the module.
func (b *Builder) BuildAndRun(ctx context.Context, opts BuildOptions, args []string) error {
	result, err := b.Build(ctx, opts)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		args = []string{"-c", "import " + b.cfg.ModuleName()}
	}

	pythonPath := filepath.Dir(result.Artifact)
	if existing := os.Getenv("PYTHONPATH"); existing != "" {
		pythonPath += string(os.PathListSeparator) + existing
	}

	msg.Debug("exec", "cmd", result.Host.Executable, "args", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, result.Host.Executable, args...)
	cmd.Env = append(os.Environ(), "PYTHONPATH="+pythonPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
