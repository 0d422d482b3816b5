package gen

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/qobs-build/qext/internal/msg"
	"golang.org/x/sync/errgroup"
)

const compileCommandsFile = "compile_commands.json"

// tool output is indented under the CC / LINK line that started it
const diagnosticIndent = "    "

// BuildState represents the state of a build target for incremental builds
type BuildState struct {
	Sources map[string]string `json:"sources,omitempty"` // source file -> hash
	Cflags  []string          `json:"cflags,omitempty"`  // compilation flags
	Ldflags []string          `json:"ldflags,omitempty"` // linker flags
}

// compileJob represents a single compilation job
type compileJob struct {
	src    string
	obj    string
	cflags []string
	cc     string
}

func (j compileJob) args() []string {
	args := make([]string, 0, len(j.cflags)+4)
	args = append(args, j.cflags...)
	return append(args, "-c", j.src, "-o", j.obj)
}

// linkJob represents a linking job
type linkJob struct {
	name    string
	objs    []string
	out     string
	ldflags []string
	cc      string
}

func (j linkJob) args() []string {
	args := []string{"-o", j.out}
	args = append(args, j.objs...)
	return append(args, j.ldflags...)
}

// compileCommand is one entry of compile_commands.json
type compileCommand struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Output    string   `json:"output"`
	Arguments []string `json:"arguments"`
}

// QextBuilder compiles and links targets itself, in parallel, skipping work
// whose inputs have not changed since the last successful build
type QextBuilder struct {
	cc, cxx    string
	targets    []Target
	buildDir   string
	stateFile  string
	buildState map[string]*BuildState
	jobs       int
	hashCache  map[string]string
	Stdout     io.Writer
	Stderr     io.Writer

	mu sync.Mutex // serializes writes to Stdout and Stderr while jobs run
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func NewQextBuilder(jobs int) *QextBuilder {
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	return &QextBuilder{
		buildState: make(map[string]*BuildState),
		jobs:       jobs,
		hashCache:  make(map[string]string),
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}
}

func (g *QextBuilder) SetCompiler(cc, cxx string) {
	g.cc, g.cxx = cc, cxx
}

func (g *QextBuilder) BuildFile() string {
	return "qext_build_state.json"
}

// AddTarget adds an extension module to the build
func (g *QextBuilder) AddTarget(t Target) {
	g.targets = append(g.targets, t)
}

func (g *QextBuilder) Generate() (string, error) {
	return "", nil // no build file needed
}

// Invoke performs the actual build
func (g *QextBuilder) Invoke(ctx context.Context, buildDir string) error {
	g.buildDir = buildDir
	g.stateFile = filepath.Join(buildDir, g.BuildFile())

	if err := g.loadBuildState(); err != nil {
		msg.Warn("failed to load build state: %v", err)
	}

	compileJobs, linkJobs, err := g.planBuild()
	if err != nil {
		return fmt.Errorf("build planning failed: %w", err)
	}

	if err := g.writeCompileCommands(); err != nil {
		msg.Warn("failed to write %s: %v", compileCommandsFile, err)
	}

	if len(compileJobs) == 0 && len(linkJobs) == 0 {
		fmt.Fprintln(g.Stdout, "qext: no work to do.")
		return nil
	}

	if err := g.executeBuild(ctx, compileJobs, linkJobs); err != nil {
		return err
	}

	if err := g.saveBuildState(); err != nil {
		msg.Warn("failed to save build state: %v", err)
	}

	return nil
}

func (g *QextBuilder) compilerFor(src sourceFile) string {
	if src.isCxx {
		return g.cxx
	}
	return g.cc
}

func (g *QextBuilder) linkerFor(t Target, sources []sourceFile) string {
	if t.Cxx {
		return g.cxx
	}
	for _, src := range sources {
		if src.isCxx {
			return g.cxx
		}
	}
	return g.cc
}

// planBuild determines which compile and link jobs are necessary
func (g *QextBuilder) planBuild() (allCompileJobs []compileJob, allLinkJobs []linkJob, err error) {
	for _, target := range g.targets {
		oldState := g.buildState[target.Name]
		sources := makeSources(target)
		needsRelink := false

		// reason 1 for relink: output file is missing
		outputPath := filepath.Join(g.buildDir, target.Name)
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			needsRelink = true
		}

		// reason 2 for relink: link flags have changed
		if oldState != nil && !slices.Equal(oldState.Ldflags, target.Ldflags) {
			needsRelink = true
		}

		// changed compile flags invalidate every object of the target
		flagsChanged := oldState == nil || !slices.Equal(oldState.Cflags, target.Cflags)

		var targetCompileJobs []compileJob
		for _, src := range sources {
			objPath := filepath.Join(g.buildDir, src.obj)

			isDirty, err := g.isSourceFileDirty(src, objPath, oldState)
			if err != nil {
				return nil, nil, fmt.Errorf("could not check status of %s: %w", src.src, err)
			}
			if isDirty || flagsChanged {
				targetCompileJobs = append(targetCompileJobs, compileJob{
					src:    src.src,
					obj:    objPath,
					cflags: target.Cflags,
					cc:     g.compilerFor(src),
				})
			}
		}

		// reason 3 for relink: one or more of its source files were recompiled
		if len(targetCompileJobs) > 0 {
			allCompileJobs = append(allCompileJobs, targetCompileJobs...)
			needsRelink = true
		}

		if needsRelink {
			allLinkJobs = append(allLinkJobs, g.createLinkJob(target, sources))
		}
	}

	return allCompileJobs, allLinkJobs, nil
}

// executeBuild runs the planned compile and link jobs and updates the build state
func (g *QextBuilder) executeBuild(ctx context.Context, compileJobs []compileJob, linkJobs []linkJob) error {
	// objects on disk stop matching the recorded state as soon as one is rebuilt
	if len(compileJobs) > 0 {
		g.forgetTargets(compileJobs)
		if err := g.saveBuildState(); err != nil {
			return fmt.Errorf("failed to save build state: %w", err)
		}
	}

	if err := runJobs(ctx, compileJobs, g.runCompileJob, g.jobs); err != nil {
		return fmt.Errorf("compilation failed: %w", err)
	}
	if err := runJobs(ctx, linkJobs, g.runLinkJob, g.jobs); err != nil {
		return fmt.Errorf("linking failed: %w", err)
	}

	for _, target := range g.targets {
		if err := g.updateBuildState(target); err != nil {
			msg.Warn("failed to update build state for target %s: %v", target.Name, err)
		}
	}

	return nil
}

// forgetTargets drops the recorded state of every target that owns one of jobs,
// so a build that fails halfway recompiles those targets from scratch
func (g *QextBuilder) forgetTargets(jobs []compileJob) {
	for _, target := range g.targets {
		objs := makeSources(target)
		if slices.ContainsFunc(jobs, func(job compileJob) bool {
			return slices.ContainsFunc(objs, func(src sourceFile) bool {
				return filepath.Join(g.buildDir, src.obj) == job.obj
			})
		}) {
			delete(g.buildState, target.Name)
		}
	}
}

// isSourceFileDirty checks if a single source file needs to be recompiled
func (g *QextBuilder) isSourceFileDirty(src sourceFile, objPath string, state *BuildState) (bool, error) {
	hash, err := g.fileHash(src.src)
	if err != nil {
		if os.IsNotExist(err) {
			return true, fmt.Errorf("source file %s not found", src.src)
		}
		return true, err
	}

	if _, err := os.Stat(objPath); os.IsNotExist(err) {
		return true, nil
	}

	if state == nil {
		return true, nil
	}

	if prevHash, exists := state.Sources[src.src]; !exists || prevHash != hash {
		return true, nil
	}

	return false, nil
}

// createLinkJob constructs a linkJob for a target
func (g *QextBuilder) createLinkJob(target Target, sources []sourceFile) linkJob {
	objects := make([]string, len(sources))
	for i, src := range sources {
		objects[i] = filepath.Join(g.buildDir, src.obj)
	}

	return linkJob{
		name:    target.Name,
		objs:    objects,
		out:     filepath.Join(g.buildDir, target.Name),
		ldflags: target.Ldflags,
		cc:      g.linkerFor(target, sources),
	}
}

// writeCompileCommands records how every source of every target is compiled
func (g *QextBuilder) writeCompileCommands() error {
	var commands []compileCommand
	for _, target := range g.targets {
		for _, src := range makeSources(target) {
			job := compileJob{
				src:    src.src,
				obj:    filepath.Join(g.buildDir, src.obj),
				cflags: target.Cflags,
				cc:     g.compilerFor(src),
			}
			commands = append(commands, compileCommand{
				Directory: g.buildDir,
				File:      job.src,
				Output:    job.obj,
				Arguments: append([]string{job.cc}, job.args()...),
			})
		}
	}

	data, err := json.MarshalIndent(commands, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.buildDir, compileCommandsFile), data, 0644)
}

// loadBuildState loads the previous build state from disk
func (g *QextBuilder) loadBuildState() error {
	f, err := os.Open(g.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no previous state, that's fine
		}
		return err
	}
	defer f.Close()
	return json.NewDecoder(bufio.NewReader(f)).Decode(&g.buildState)
}

// saveBuildState saves the current build state to disk
func (g *QextBuilder) saveBuildState() error {
	data, err := json.MarshalIndent(g.buildState, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(g.stateFile, data, 0644)
}

// fileHash computes the SHA256 hash of a file with an in-memory cache
func (g *QextBuilder) fileHash(path string) (string, error) {
	if hash, ok := g.hashCache[path]; ok {
		return hash, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	hexHash := hex.EncodeToString(hash.Sum(nil))
	g.hashCache[path] = hexHash
	return hexHash, nil
}

// runJobs runs jobs in parallel, stopping at the first failure
func runJobs[T any](ctx context.Context, jobs []T, jobfunc func(ctx context.Context, job T) error, limit int) error {
	if len(jobs) == 0 {
		return nil
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)

	for _, job := range jobs {
		eg.Go(func() error {
			return jobfunc(ctx, job)
		})
	}

	return eg.Wait()
}

func (g *QextBuilder) announce(verb, what string) {
	fmt.Fprintf(lockedWriter{&g.mu, g.Stdout}, "%s %s\n", verb, what)
}

func (g *QextBuilder) run(ctx context.Context, name string, args []string) error {
	if name == "" {
		return errors.New("no compiler configured")
	}
	msg.Debug("exec", "cmd", name, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &msg.IndentWriter{Indent: diagnosticIndent, W: lockedWriter{&g.mu, g.Stdout}}
	cmd.Stderr = &msg.IndentWriter{Indent: diagnosticIndent, W: lockedWriter{&g.mu, g.Stderr}}
	return cmd.Run()
}

// runCompileJob runs a single compilation job
func (g *QextBuilder) runCompileJob(ctx context.Context, job compileJob) error {
	if err := os.MkdirAll(filepath.Dir(job.obj), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	g.announce("CC", job.src)
	if err := g.run(ctx, job.cc, job.args()); err != nil {
		return fmt.Errorf("%s: %w", job.src, err)
	}
	return nil
}

// runLinkJob runs a single linking job
func (g *QextBuilder) runLinkJob(ctx context.Context, job linkJob) error {
	g.announce("LINK", job.out)
	if err := g.run(ctx, job.cc, job.args()); err != nil {
		return fmt.Errorf("%s: %w", job.name, err)
	}
	return nil
}

// updateBuildState updates the build state for a target after a successful build
func (g *QextBuilder) updateBuildState(target Target) error {
	state := &BuildState{
		Sources: make(map[string]string),
		Cflags:  slices.Clone(target.Cflags),
		Ldflags: slices.Clone(target.Ldflags),
	}

	// hash source files
	for _, src := range target.Sources {
		hash, err := g.fileHash(src)
		if err != nil {
			return fmt.Errorf("failed to hash source file %s: %w", src, err)
		}
		state.Sources[src] = hash
	}

	g.buildState[target.Name] = state
	return nil
}
