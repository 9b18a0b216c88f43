package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harrier/executor"
	"harrier/proto"
)

func TestRegexp(t *testing.T) {
	s0 := soRegexp.FindStringSubmatch("hello_plugin.so")

	assert.Equal(t, 2, len(s0))
	assert.Equal(t, "hello_plugin.so", s0[0])
	assert.Equal(t, "hello_plugin", s0[1])

	s1 := soRegexp.FindStringSubmatch("hello_plugin_demo.so")

	assert.Equal(t, 2, len(s1))
	assert.Equal(t, "hello_plugin_demo.so", s1[0])
	assert.Equal(t, "hello_plugin_demo", s1[1])

	s2 := soRegexp.FindStringSubmatch("hello-plugin.so")
	assert.Equal(t, 0, len(s2))

	_, err := pluginName("hello-plugin.so")
	assert.Error(t, err)
}

type both struct{}

func (both) Filter(*proto.ShardContext) error                   { return nil }
func (both) Execute(context.Context, *proto.ShardContext) error { return nil }

func TestRegister(t *testing.T) {
	logger := logrus.New()
	require.NoError(t, register("loader_test_both", both{}, logger))
	_, err := executor.Get("loader_test_both")
	assert.NoError(t, err)

	assert.Error(t, register("loader_test_int", 42, logger))
}

func TestLoadPlugins(t *testing.T) {
	logger := logrus.New()
	assert.NoError(t, loadPlugins(filepath.Join(t.TempDir(), "missing"), logger))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("plugins"), 0o644))
	assert.Error(t, loadPlugins(dir, logger))
}
