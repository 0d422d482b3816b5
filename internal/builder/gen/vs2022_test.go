package gen

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetStemAndExt(t *testing.T) {
	assert.Equal(t, "HelloPy", targetStem("HelloPy.cp312-win_amd64.pyd"))
	assert.Equal(t, ".cp312-win_amd64.pyd", targetExt("HelloPy.cp312-win_amd64.pyd"))
	assert.Equal(t, "HelloPy", targetStem("HelloPy"))
	assert.Equal(t, "", targetExt("HelloPy"))
}

func TestVSFlagTranslation(t *testing.T) {
	cflags := []string{"-O2", "-IC:/Python312/include", "-I../Hello", "-DGREETING=hi", "-std=c++11", "/EHsc"}
	ldflags := []string{"-shared", "-LC:/Python312/libs", "-lpython312", "-lws2_32.lib", "-std=c++11"}

	assert.Equal(t, "C:/Python312/include;../Hello;%(AdditionalIncludeDirectories)", parseIncludes(cflags))
	assert.Equal(t, "WIN32;_WINDOWS;_DEBUG;GREETING=hi;%(PreprocessorDefinitions)", parseDefines(cflags, true))
	assert.Equal(t, "WIN32;_WINDOWS;NDEBUG;GREETING=hi;%(PreprocessorDefinitions)", parseDefines(cflags, false))
	assert.Equal(t, "-std=c++11 /EHsc %(AdditionalOptions)", parseExtraCflags(cflags))

	assert.Equal(t, "python312.lib;ws2_32.lib;%(AdditionalDependencies)", parseLibraries(ldflags))
	assert.Equal(t, "C:/Python312/libs;%(AdditionalLibraryDirectories)", parseLibraryDirs(ldflags))
	assert.Equal(t, "%(AdditionalOptions) /machine:x64 -std=c++11", parseExtraLdflags(ldflags))
}

func TestVS2022Generate(t *testing.T) {
	base := t.TempDir()
	g := NewVS2022Gen()
	assert.Equal(t, "qext.sln", g.BuildFile())

	g.AddTarget(Target{
		Name:    "HelloPy.cp312-win_amd64.pyd",
		Basedir: base,
		Sources: []string{filepath.Join(base, "build", "gen", "HelloPy.cpp"), filepath.Join(base, "Hello.cpp")},
		Cxx:     true,
		Cflags:  []string{"-IC:/Python312/include", "-std=c++11"},
		Ldflags: []string{"-shared", "-lpython312"},
	})
	assert.Equal(t, "HelloPy.sln", g.BuildFile())

	sln, err := g.Generate()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sln, "Microsoft Visual Studio Solution File, Format Version 12.00\n"))
	assert.Contains(t, sln, `"HelloPy", "HelloPy\HelloPy.vcxproj"`)

	data, err := os.ReadFile(filepath.Join(base, "build", "HelloPy", "HelloPy.vcxproj"))
	require.NoError(t, err)
	var project VSProject
	require.NoError(t, xml.Unmarshal(data, &project))

	var outGroup *VSPropertyGroup
	for i := range project.PropertyGroups {
		if project.PropertyGroups[i].TargetExt != "" {
			outGroup = &project.PropertyGroups[i]
			break
		}
	}
	require.NotNil(t, outGroup)
	assert.Equal(t, "HelloPy", outGroup.TargetName)
	assert.Equal(t, ".cp312-win_amd64.pyd", outGroup.TargetExt)

	require.Len(t, project.ItemDefinitionGroups, 2)
	assert.Equal(t, "-std=c++11 %(AdditionalOptions)", project.ItemDefinitionGroups[0].ClCompile.AdditionalOptions)
	assert.Equal(t, "python312.lib;%(AdditionalDependencies)", project.ItemDefinitionGroups[1].Link.AdditionalDependencies)

	assert.FileExists(t, filepath.Join(base, "build", "HelloPy", "HelloPy.vcxproj.filters"))
}
