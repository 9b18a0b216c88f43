package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"plugin"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"harrier/executor"
	"harrier/filter"
)

var soRegexp = regexp.MustCompile(`^([\w_]+).so$`)

// loadPlugins opens every <name>.so below dir and registers its exported
// symbol NAME as a filter or an executor. A missing dir loads nothing.
func loadPlugins(dir string, logger logrus.FieldLogger) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name, err := pluginName(d.Name())
		if err != nil {
			return err
		}
		return load(path, name, logger)
	})
}

func pluginName(file string) (string, error) {
	ss := soRegexp.FindStringSubmatch(file)
	// if file == "hello_plugin.so"
	// then ss == ["hello_plugin.so", "hello_plugin"]
	if len(ss) != 2 {
		return "", fmt.Errorf("%s: no match string for plugin name with %s", file, soRegexp)
	}
	return ss[1], nil
}

func load(path, name string, logger logrus.FieldLogger) error {
	plug, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("open plugin %s: %w", path, err)
	}

	v, err := plug.Lookup(strings.ToUpper(name))
	if err != nil {
		return fmt.Errorf("plugin %s: %w", path, err)
	}
	return register(name, v, logger.WithField("plugin", path))
}

// register files a looked up symbol under name. A value may be both a
// filter and an executor.
func register(name string, v interface{}, logger logrus.FieldLogger) error {
	f, isFilter := v.(filter.Filter)
	if isFilter {
		filter.Register(name, f)
		logger.Info("filter registered")
	}
	e, isExecutor := v.(executor.Executor)
	if isExecutor {
		executor.Register(name, e)
		logger.Info("executor registered")
	}
	if !isFilter && !isExecutor {
		return fmt.Errorf("%s: unexpected type %T from module symbol", name, v)
	}
	return nil
}
