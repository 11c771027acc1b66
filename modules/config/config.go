package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"reflect"
	"strings"
	"sync"

	"igloo-signer/lib/utils"

	"github.com/chebyrash/promise"
	"github.com/go-playground/validator/v10"
)

// Config is a JSON document stored under <dataDir>/config/<TypeName>.json.
// It is created from the default value on first Init.
type Config[T any] struct {
	defaultValue T
	dataDir      string
	validate     *validator.Validate

	mu     sync.RWMutex
	loaded bool
	value  T
}

const DATA_DIR = "data"
const CONFIG_DIR = "config"

func New[T any](defaultValue T, dataDir *string) *Config[T] {
	dir := DATA_DIR
	if dataDir != nil && *dataDir != "" {
		dir = *dataDir
	}
	return &Config[T]{
		defaultValue: defaultValue,
		dataDir:      dir,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (c *Config[T]) FilePath() string {
	name := reflect.TypeOf((*T)(nil)).Elem().Name()
	return path.Join(c.dataDir, CONFIG_DIR, name+".json")
}

func (c *Config[T]) check(v T) error {
	if reflect.TypeOf((*T)(nil)).Elem().Kind() != reflect.Struct {
		return nil
	}
	if err := c.validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %s: %w", path.Base(c.FilePath()), err)
	}
	return nil
}

func (c *Config[T]) Init() error {
	f, err := os.Open(c.FilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return c.Update(func(t *T) {
				*t = c.defaultValue
			})
		}
		return err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	value := c.defaultValue
	if len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &value); err != nil {
			return err
		}
	}
	if err := c.check(value); err != nil {
		return err
	}
	c.mu.Lock()
	c.value = value
	c.loaded = true
	c.mu.Unlock()
	return nil
}

func (c *Config[T]) Start() *promise.Promise[any] {
	return utils.PromiseResolve[any](nil)
}

func (c *Config[T]) Stop() error {
	return nil
}

func (c *Config[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

func (c *Config[T]) Update(updater func(*T)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	temp := c.value
	if !c.loaded {
		temp = c.defaultValue
	}
	updater(&temp)
	if err := c.check(temp); err != nil {
		return err
	}
	b, err := json.MarshalIndent(temp, "", "  ")
	if err != nil {
		return err
	}
	err = os.MkdirAll(path.Dir(c.FilePath()), 0755)
	if err != nil {
		return err
	}
	err = os.WriteFile(c.FilePath(), b, 0644)
	if err != nil {
		return err
	}
	c.value = temp
	c.loaded = true
	return nil
}
