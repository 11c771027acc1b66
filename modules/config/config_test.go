package config_test

import (
	"context"
	"os"
	"testing"

	"igloo-signer/modules/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conf struct {
	A uint   `validate:"min=1"`
	B string `validate:"required"`
}

func TestBasic(t *testing.T) {
	dir := t.TempDir()
	c := config.New(conf{1, "hi"}, &dir)
	require.NoError(t, c.Init())
	_, err := c.Start().Await(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Stop())

	assert.Equal(t, conf{1, "hi"}, c.Get())
	_, err = os.Stat(c.FilePath())
	assert.NoError(t, err)
}

func TestReloadKeepsUpdates(t *testing.T) {
	dir := t.TempDir()
	c := config.New(conf{1, "hi"}, &dir)
	require.NoError(t, c.Init())
	require.NoError(t, c.Update(func(v *conf) { v.B = "there" }))

	again := config.New(conf{1, "hi"}, &dir)
	require.NoError(t, again.Init())
	assert.Equal(t, "there", again.Get().B)
}

func TestUpdateRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	c := config.New(conf{1, "hi"}, &dir)
	require.NoError(t, c.Init())

	err := c.Update(func(v *conf) { v.A = 0 })
	require.Error(t, err)
	assert.Equal(t, uint(1), c.Get().A)
}

func TestInitRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	c := config.New(conf{1, "hi"}, &dir)
	require.NoError(t, c.Init())
	require.NoError(t, os.WriteFile(c.FilePath(), []byte(`{"A":0,"B":""}`), 0644))

	again := config.New(conf{1, "hi"}, &dir)
	assert.Error(t, again.Init())
}
