package gen

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/qobs-build/qext/internal/msg"
)

//
// structures for .vcxproj
//

type VSProject struct {
	XMLName              xml.Name                `xml:"Project"`
	DefaultTargets       string                  `xml:"DefaultTargets,attr"`
	ToolsVersion         string                  `xml:"ToolsVersion,attr"`
	XMLNS                string                  `xml:"xmlns,attr"`
	PropertyGroups       []VSPropertyGroup       `xml:"PropertyGroup"`
	ItemGroups           []VSItemGroup           `xml:"ItemGroup"`
	ImportGroups         []VSImportGroup         `xml:"ImportGroup"`
	ItemDefinitionGroups []VSItemDefinitionGroup `xml:"ItemDefinitionGroup"`
	Imports              []VSImport              `xml:"Import"`
}

type VSItemGroup struct {
	Label                 string                   `xml:"Label,attr,omitempty"`
	ProjectConfigurations []VSProjectConfiguration `xml:"ProjectConfiguration,omitempty"`
	ClCompiles            []VSClCompile            `xml:"ClCompile,omitempty"`
}

type VSProjectConfiguration struct {
	Include       string `xml:"Include,attr"`
	Configuration string `xml:"Configuration"`
	Platform      string `xml:"Platform"`
}

type VSClCompile struct {
	Include string `xml:"Include,attr"`
}

type VSPropertyGroup struct {
	Label                        string `xml:"Label,attr,omitempty"`
	Condition                    string `xml:"Condition,attr,omitempty"`
	PreferredToolArchitecture    string `xml:"PreferredToolArchitecture,omitempty"`
	ProjectGuid                  string `xml:"ProjectGuid,omitempty"`
	Keyword                      string `xml:"Keyword,omitempty"`
	WindowsTargetPlatformVersion string `xml:"WindowsTargetPlatformVersion,omitempty"`
	ProjectName                  string `xml:"ProjectName,omitempty"`
	ConfigurationType            string `xml:"ConfigurationType,omitempty"`
	PlatformToolset              string `xml:"PlatformToolset,omitempty"`
	CharacterSet                 string `xml:"CharacterSet,omitempty"`
	OutDir                       string `xml:"OutDir,omitempty"`
	IntDir                       string `xml:"IntDir,omitempty"`
	TargetName                   string `xml:"TargetName,omitempty"`
	TargetExt                    string `xml:"TargetExt,omitempty"`
	LinkIncremental              *bool  `xml:"LinkIncremental,omitempty"`
	GenerateManifest             bool   `xml:"GenerateManifest,omitempty"`
	UseDebugLibraries            *bool  `xml:"UseDebugLibraries,omitempty"`
	WholeProgramOptimization     *bool  `xml:"WholeProgramOptimization,omitempty"`
}

type VSImportGroup struct {
	Label   string     `xml:"Label,attr,omitempty"`
	Imports []VSImport `xml:"Import"`
}

type VSImport struct {
	Project   string `xml:"Project,attr"`
	Condition string `xml:"Condition,attr,omitempty"`
	Label     string `xml:"Label,attr,omitempty"`
}

type VSItemDefinitionGroup struct {
	Condition string          `xml:"Condition,attr"`
	ClCompile VSCppCompileDef `xml:"ClCompile"`
	Link      VSLinkDef       `xml:"Link"`
}

type VSCppCompileDef struct {
	WarningLevel                 string `xml:"WarningLevel"`
	SDLCheck                     bool   `xml:"SDLCheck"`
	AdditionalIncludeDirectories string `xml:"AdditionalIncludeDirectories"`
	PreprocessorDefinitions      string `xml:"PreprocessorDefinitions"`
	ConformanceMode              bool   `xml:"ConformanceMode"`
	AdditionalOptions            string `xml:"AdditionalOptions,omitempty"`
	Optimization                 string `xml:"Optimization,omitempty"`
	BasicRuntimeChecks           string `xml:"BasicRuntimeChecks,omitempty"`
	DebugInformationFormat       string `xml:"DebugInformationFormat,omitempty"`
	RuntimeLibrary               string `xml:"RuntimeLibrary,omitempty"`
	FunctionLevelLinking         *bool  `xml:"FunctionLevelLinking,omitempty"`
	IntrinsicFunctions           *bool  `xml:"IntrinsicFunctions,omitempty"`
}

type VSLinkDef struct {
	SubSystem                string `xml:"SubSystem"`
	GenerateDebugInformation *bool  `xml:"GenerateDebugInformation,omitempty"`
	AdditionalDependencies   string `xml:"AdditionalDependencies"`
	AdditionalLibraryDirs    string `xml:"AdditionalLibraryDirectories,omitempty"`
	ProgramDataBaseFile      string `xml:"ProgramDataBaseFile,omitempty"`
	ImportLibrary            string `xml:"ImportLibrary,omitempty"`
	AdditionalOptions        string `xml:"AdditionalOptions,omitempty"`
	EnableCOMDATFolding      *bool  `xml:"EnableCOMDATFolding,omitempty"`
	OptimizeReferences       *bool  `xml:"OptimizeReferences,omitempty"`
}

type VSFiltersProject struct {
	XMLName      xml.Name             `xml:"Project"`
	ToolsVersion string               `xml:"ToolsVersion,attr"`
	XMLNS        string               `xml:"xmlns,attr"`
	ItemGroups   []VSFiltersItemGroup `xml:"ItemGroup"`
}

type VSFiltersItemGroup struct {
	ClCompiles []VSFiltersClCompile `xml:"ClCompile,omitempty"`
	Filters    []VSFiltersFilter    `xml:"Filter,omitempty"`
}

type VSFiltersClCompile struct {
	Include string `xml:"Include,attr"`
	Filter  string `xml:"Filter"`
}

type VSFiltersFilter struct {
	Include          string `xml:"Include,attr"`
	UniqueIdentifier string `xml:"UniqueIdentifier"`
	Extensions       string `xml:"Extensions"`
}

//
// generator
//

type VS2022Gen struct {
	targets []Target
}

func NewVS2022Gen() *VS2022Gen {
	return &VS2022Gen{}
}

// SetCompiler is a no-op: MSBuild picks cl.exe from the toolset
func (g *VS2022Gen) SetCompiler(cc, cxx string) {}

func (g *VS2022Gen) BuildFile() string {
	if len(g.targets) == 0 {
		return "qext.sln"
	}
	return targetStem(g.targets[0].Name) + ".sln"
}

func (g *VS2022Gen) AddTarget(t Target) {
	g.targets = append(g.targets, t)
}

// targetStem strips the host suffix: Greeter.cp312-win_amd64.pyd -> Greeter
func targetStem(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

// targetExt is everything after the stem: .cp312-win_amd64.pyd
func targetExt(name string) string {
	return strings.TrimPrefix(name, targetStem(name))
}

func (g *VS2022Gen) Generate() (string, error) {
	projectGuids := make(map[string]string)
	for _, target := range g.targets {
		projectGuids[target.Name] = strings.ToUpper(uuid.New().String())
	}

	for _, target := range g.targets {
		buildDir := filepath.Join(target.Basedir, "build")
		projectDir := filepath.Join(buildDir, targetStem(target.Name))
		if err := os.MkdirAll(projectDir, 0755); err != nil {
			return "", err
		}

		if err := g.generateProjectFile(buildDir, projectDir, target, projectGuids[target.Name]); err != nil {
			return "", fmt.Errorf("writing project for %s: %w", target.Name, err)
		}
		if err := g.generateFiltersFile(projectDir, target); err != nil {
			return "", fmt.Errorf("writing filters for %s: %w", target.Name, err)
		}
	}

	return g.generateSolutionFile(projectGuids), nil
}

func (g *VS2022Gen) generateSolutionFile(projectGuids map[string]string) string {
	solutionGuid := strings.ToUpper(uuid.New().String())
	var sb strings.Builder

	writeln(&sb, "Microsoft Visual Studio Solution File, Format Version 12.00")
	writeln(&sb, "# Visual Studio Version 17")
	for _, target := range g.targets {
		stem := targetStem(target.Name)
		// Windows (Visual C++) https://github.com/VISTALL/visual-studio-project-type-guids
		writeln(&sb,
			`Project("{8BC9CEB8-8B4A-11D0-8D11-00A0C91BC942}") = "`, stem, `", "`, stem, `\`, stem, `.vcxproj", "{`, projectGuids[target.Name], `}"`,
		)
		writeln(&sb, "EndProject")
	}
	writeln(&sb, "Global")
	writeln(&sb, "\tGlobalSection(SolutionConfigurationPlatforms) = preSolution")
	writeln(&sb, "\t\tDebug|x64 = Debug|x64")
	writeln(&sb, "\t\tRelease|x64 = Release|x64")
	writeln(&sb, "\tEndGlobalSection")
	writeln(&sb, "\tGlobalSection(ProjectConfigurationPlatforms) = postSolution")
	for _, target := range g.targets {
		guid := projectGuids[target.Name]
		writeln(&sb, "\t\t{", guid, "}.Debug|x64.ActiveCfg = Debug|x64")
		writeln(&sb, "\t\t{", guid, "}.Debug|x64.Build.0 = Debug|x64")
		writeln(&sb, "\t\t{", guid, "}.Release|x64.ActiveCfg = Release|x64")
		writeln(&sb, "\t\t{", guid, "}.Release|x64.Build.0 = Release|x64")
	}
	writeln(&sb, "\tEndGlobalSection")
	writeln(&sb, "\tGlobalSection(SolutionProperties) = preSolution")
	writeln(&sb, "\t\tHideSolutionNode = FALSE")
	writeln(&sb, "\tEndGlobalSection")
	writeln(&sb, "\tGlobalSection(ExtensibilityGlobals) = postSolution")
	writeln(&sb, "\t\tSolutionGuid = {", solutionGuid, "}")
	writeln(&sb, "\tEndGlobalSection")
	writeln(&sb, "EndGlobal")

	return sb.String()
}

func (g *VS2022Gen) generateProjectFile(buildDir, projectDir string, target Target, guid string) error {
	clCompiles := make([]VSClCompile, 0, len(target.Sources))
	for _, source := range target.Sources {
		relPath, err := filepath.Rel(projectDir, source)
		if err != nil {
			relPath = source
		}
		clCompiles = append(clCompiles, VSClCompile{Include: relPath})
	}

	allPropertyGroups := []VSPropertyGroup{
		{PreferredToolArchitecture: "x64"},
	}
	allPropertyGroups = append(allPropertyGroups, g.createGlobalPropertyGroups(targetStem(target.Name), guid)...)
	allPropertyGroups = append(allPropertyGroups, g.createConfigurationPropertyGroups(target, buildDir)...)

	allItemGroups := []VSItemGroup{
		{
			Label: "ProjectConfigurations",
			ProjectConfigurations: []VSProjectConfiguration{
				{Include: "Debug|x64", Configuration: "Debug", Platform: "x64"},
				{Include: "Release|x64", Configuration: "Release", Platform: "x64"},
			},
		},
		{ClCompiles: clCompiles},
	}

	allImports := []VSImport{
		{Project: `$(VCTargetsPath)\Microsoft.Cpp.Default.props`},
		{Project: `$(VCTargetsPath)\Microsoft.Cpp.props`},
		{Project: `$(UserRootDir)\Microsoft.Cpp.$(Platform).user.props`, Condition: `exists('$(UserRootDir)\Microsoft.Cpp.$(Platform).user.props')`, Label: "LocalAppDataPlatform"},
		{Project: `$(VCTargetsPath)\Microsoft.Cpp.targets`},
	}

	project := VSProject{
		DefaultTargets:       "Build",
		ToolsVersion:         "17.0",
		XMLNS:                "http://schemas.microsoft.com/developer/msbuild/2003",
		PropertyGroups:       allPropertyGroups,
		ItemGroups:           allItemGroups,
		ItemDefinitionGroups: g.createItemDefinitionGroups(target),
		Imports:              allImports,
		ImportGroups:         []VSImportGroup{{Label: "ExtensionTargets"}},
	}

	output, err := xml.MarshalIndent(project, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(projectDir, targetStem(target.Name)+".vcxproj"), []byte(xml.Header+string(output)), 0644)
}

func (g *VS2022Gen) createGlobalPropertyGroups(name, guid string) []VSPropertyGroup {
	return []VSPropertyGroup{
		{
			Label:                        "Globals",
			ProjectGuid:                  "{" + guid + "}",
			Keyword:                      "Win32Proj",
			WindowsTargetPlatformVersion: "10.0",
			ProjectName:                  name,
		},
	}
}

func (g *VS2022Gen) createConfigurationPropertyGroups(target Target, buildDir string) []VSPropertyGroup {
	trueVal, falseVal := true, false
	stem := targetStem(target.Name)
	intDir := filepath.Join(buildDir, objDir, stem+".dir")

	configuration := func(config string, debug bool) []VSPropertyGroup {
		condition := "'$(Configuration)|$(Platform)'=='" + config + "|x64'"
		cfgGroup := VSPropertyGroup{
			Condition:         condition,
			Label:             "Configuration",
			ConfigurationType: "DynamicLibrary",
			PlatformToolset:   "v143",
			CharacterSet:      "Unicode",
		}
		outGroup := VSPropertyGroup{
			Condition:        condition,
			OutDir:           buildDir + `\`,
			IntDir:           filepath.Join(intDir, config) + `\`,
			TargetName:       stem,
			TargetExt:        targetExt(target.Name),
			GenerateManifest: true,
		}
		if debug {
			cfgGroup.UseDebugLibraries = &trueVal
			outGroup.LinkIncremental = &trueVal
		} else {
			cfgGroup.UseDebugLibraries = &falseVal
			cfgGroup.WholeProgramOptimization = &trueVal
			outGroup.LinkIncremental = &falseVal
		}
		return []VSPropertyGroup{cfgGroup, outGroup}
	}

	return append(configuration("Debug", true), configuration("Release", false)...)
}

func (g *VS2022Gen) createItemDefinitionGroups(target Target) []VSItemDefinitionGroup {
	trueVal, falseVal := true, false
	return []VSItemDefinitionGroup{
		{
			Condition: "'$(Configuration)|$(Platform)'=='Debug|x64'",
			ClCompile: VSCppCompileDef{
				WarningLevel:                 "Level3",
				SDLCheck:                     true,
				AdditionalIncludeDirectories: parseIncludes(target.Cflags),
				PreprocessorDefinitions:      parseDefines(target.Cflags, true),
				ConformanceMode:              true,
				AdditionalOptions:            parseExtraCflags(target.Cflags),
				Optimization:                 "Disabled",
				BasicRuntimeChecks:           "EnableFastChecks",
				DebugInformationFormat:       "ProgramDatabase",
				RuntimeLibrary:               "MultiThreadedDLL", // the host is a release build
			},
			Link: VSLinkDef{
				SubSystem:                "Windows",
				GenerateDebugInformation: &trueVal,
				AdditionalDependencies:   parseLibraries(target.Ldflags),
				AdditionalLibraryDirs:    parseLibraryDirs(target.Ldflags),
				ProgramDataBaseFile:      `$(OutDir)$(TargetName).pdb`,
				AdditionalOptions:        parseExtraLdflags(target.Ldflags),
			},
		},
		{
			Condition: "'$(Configuration)|$(Platform)'=='Release|x64'",
			ClCompile: VSCppCompileDef{
				WarningLevel:                 "Level3",
				SDLCheck:                     true,
				AdditionalIncludeDirectories: parseIncludes(target.Cflags),
				PreprocessorDefinitions:      parseDefines(target.Cflags, false),
				ConformanceMode:              true,
				AdditionalOptions:            parseExtraCflags(target.Cflags),
				Optimization:                 "MaxSpeed",
				RuntimeLibrary:               "MultiThreadedDLL",
				FunctionLevelLinking:         &trueVal,
				IntrinsicFunctions:           &trueVal,
			},
			Link: VSLinkDef{
				SubSystem:                "Windows",
				GenerateDebugInformation: &falseVal,
				AdditionalDependencies:   parseLibraries(target.Ldflags),
				AdditionalLibraryDirs:    parseLibraryDirs(target.Ldflags),
				EnableCOMDATFolding:      &trueVal,
				OptimizeReferences:       &trueVal,
				ProgramDataBaseFile:      `$(OutDir)$(TargetName).pdb`,
				AdditionalOptions:        parseExtraLdflags(target.Ldflags),
			},
		},
	}
}

func (g *VS2022Gen) generateFiltersFile(projectDir string, target Target) error {
	clCompiles := make([]VSFiltersClCompile, 0, len(target.Sources))
	for _, source := range target.Sources {
		relPath, err := filepath.Rel(projectDir, source)
		if err != nil {
			relPath = source
		}
		clCompiles = append(clCompiles, VSFiltersClCompile{Include: relPath, Filter: "Source Files"})
	}
	filters := VSFiltersProject{
		ToolsVersion: "17.0",
		XMLNS:        "http://schemas.microsoft.com/developer/msbuild/2003",
		ItemGroups: []VSFiltersItemGroup{
			{ClCompiles: clCompiles},
			{Filters: []VSFiltersFilter{{Include: "Source Files", UniqueIdentifier: "{" + strings.ToUpper(uuid.New().String()) + "}", Extensions: "cpp;c;cc;cxx;c++;cppm;ixx;def;odl;idl;hpj;bat;asm;asmx"}}},
		},
	}
	output, err := xml.MarshalIndent(filters, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(projectDir, targetStem(target.Name)+".vcxproj.filters"), []byte(xml.Header+string(output)), 0644)
}

func (g *VS2022Gen) Invoke(ctx context.Context, buildDir string) error {
	msbuild, err := FindMsbuild()
	if err != nil {
		return err
	}

	msg.Debug("exec", "cmd", msbuild, "args", g.BuildFile())
	cmd := exec.CommandContext(ctx, msbuild, g.BuildFile())
	cmd.Dir = buildDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

func parseIncludes(cflags []string) string {
	var includes []string
	for _, flag := range cflags {
		if after, ok := strings.CutPrefix(flag, "-I"); ok {
			includes = append(includes, after)
		}
	}
	return strings.Join(includes, ";") + ";%(AdditionalIncludeDirectories)"
}

func parseDefines(cflags []string, isDebug bool) string {
	defines := []string{"WIN32", "_WINDOWS"}
	if isDebug {
		defines = append(defines, "_DEBUG")
	} else {
		defines = append(defines, "NDEBUG")
	}
	for _, flag := range cflags {
		if after, ok := strings.CutPrefix(flag, "-D"); ok {
			defines = append(defines, after)
		}
	}
	return strings.Join(defines, ";") + ";%(PreprocessorDefinitions)"
}

// parseExtraCflags passes through everything MSBuild has no dedicated element for
func parseExtraCflags(cflags []string) string {
	var extra []string
	for _, flag := range cflags {
		if strings.HasPrefix(flag, "-I") || strings.HasPrefix(flag, "-D") || strings.HasPrefix(flag, "-O") || flag == "-fPIC" {
			continue
		}
		extra = append(extra, flag)
	}
	return strings.Join(append(extra, "%(AdditionalOptions)"), " ")
}

func parseLibraries(ldflags []string) string {
	var libs []string
	for _, flag := range ldflags {
		if after, ok := strings.CutPrefix(flag, "-l"); ok {
			if strings.HasSuffix(after, ".lib") {
				libs = append(libs, after)
			} else {
				libs = append(libs, after+".lib")
			}
		}
	}
	return strings.Join(libs, ";") + ";%(AdditionalDependencies)"
}

func parseLibraryDirs(ldflags []string) string {
	var dirs []string
	for _, flag := range ldflags {
		if after, ok := strings.CutPrefix(flag, "-L"); ok {
			dirs = append(dirs, after)
		}
	}
	return strings.Join(append(dirs, "%(AdditionalLibraryDirectories)"), ";")
}

func parseExtraLdflags(ldflags []string) string {
	extra := []string{"%(AdditionalOptions)", "/machine:x64"}
	for _, flag := range ldflags {
		if strings.HasPrefix(flag, "-l") || strings.HasPrefix(flag, "-L") || flag == "-shared" {
			continue
		}
		extra = append(extra, flag)
	}
	return strings.Join(extra, " ")
}
