package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/theflyingcodr/relay/middleware"
	"github.com/theflyingcodr/relay/server"
)

// startCmd represents the start command.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the relay server",
	Run:   runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().IntP("port", "p", 3055, "Port the websocket endpoint listens on")
	_ = viper.BindPFlag("server.port", startCmd.Flags().Lookup("port"))
	startCmd.Flags().Int("chunk-threshold", 0, "Serialized payload size in bytes above which broadcasts are chunked (default 1 MiB)")
	_ = viper.BindPFlag("server.chunkThreshold", startCmd.Flags().Lookup("chunk-threshold"))
	startCmd.Flags().Int("chunk-size", 0, "Chunk slice size in bytes (default 512 KiB)")
	_ = viper.BindPFlag("server.chunkSize", startCmd.Flags().Lookup("chunk-size"))
	startCmd.Flags().Duration("chunk-delay", 0, "Pause between successive chunk sends (default 5ms)")
	_ = viper.BindPFlag("server.chunkDelay", startCmd.Flags().Lookup("chunk-delay"))
	startCmd.Flags().Bool("debug", false, "Enable debug logging")
	_ = viper.BindPFlag("server.debug", startCmd.Flags().Lookup("debug"))

	viper.SetDefault("server.port", 3055)
	viper.SetDefault("server.handlerTimeout", 10*time.Second)
}

func runServer(cmd *cobra.Command, args []string) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if viper.GetBool("server.debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	var opts []server.OptFunc
	if n := viper.GetInt("server.chunkThreshold"); n > 0 {
		opts = append(opts, server.WithChunkThreshold(n))
	}
	if n := viper.GetInt("server.chunkSize"); n > 0 {
		opts = append(opts, server.WithChunkSize(n))
	}
	if d := viper.GetDuration("server.chunkDelay"); d > 0 {
		opts = append(opts, server.WithChunkDelay(d))
	}

	s := server.NewRelayServer(opts...)
	defer s.Close()

	timeout := &middleware.TimeoutConfig{Duration: viper.GetDuration("server.handlerTimeout")}
	s.WithMiddleware(middleware.PanicHandler, middleware.Timeout(timeout), middleware.Metrics())

	e := server.NewHTTP(s)
	port := viper.GetInt("server.port")
	go func() {
		log.Info().Msgf("relay server listening on port %d", port)
		log.Err(e.Start(fmt.Sprintf(":%d", port))).Msg("closed echo")
	}()

	// Wait for interrupt then shut down with a timeout of 10 seconds.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Err(err).Msg("shutdown echo")
	}
}
