package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stockroom-erp/stockroom/internal/app"
	_ "github.com/stockroom-erp/stockroom/internal/testing/guard"
)

func TestWorkerSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}
