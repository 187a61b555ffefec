package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberLogger "github.com/gofiber/fiber/v2/middleware/logger"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/linht/phy-manager/plugins"
)

// Configuration constants
const (
	// Server timeouts
	ServerReadTimeout  = 30 * time.Second
	ServerWriteTimeout = 30 * time.Second

	// Upload limit, profile blobs are small
	MaxBodySize = 4 * 1024 * 1024

	// Session management (24-hour expiry)
	SessionDuration = 24 * time.Hour
	TokenBytes      = 32
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`
	Auth struct {
		PasswordHash string `yaml:"password_hash"`
	} `yaml:"auth"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	// Plugins is either a list of plugin names or a mapping of plugin name
	// to its settings, loaded in file order
	Plugins yaml.Node `yaml:"plugins"`
}

// Session represents a simple authenticated session for local use
type Session struct {
	Token     string
	ExpiresAt time.Time
}

var (
	config         Config
	currentSession *Session
	sessionMu      sync.RWMutex
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the service configuration")
	flag.Parse()

	if err := loadConfig(*configPath); err != nil {
		slog.Error("Failed to load config", "error", err, "path", *configPath)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(config.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("Configuration loaded", "path", *configPath)

	app := fiber.New(fiber.Config{
		ReadTimeout:  ServerReadTimeout,
		WriteTimeout: ServerWriteTimeout,
		AppName:      "Linht PHY Manager",
		BodyLimit:    MaxBodySize,
	})

	app.Use(fiberLogger.New(fiberLogger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))

	app.Static("/", "./web")

	// Login/logout endpoints (no auth required for login)
	app.Post("/login", handleLogin)
	app.Post("/logout", handleLogout)

	// Auth middleware for all other API routes
	app.Use("/api", authMiddleware)

	loaded, err := initPlugins(app, logger)
	if err != nil {
		slog.Error("Failed to initialize plugins", "error", err)
		shutdownPlugins(loaded)
		os.Exit(1)
	}

	addr := config.Server.Host + ":" + config.Server.Port

	// Setup graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		slog.Info("Shutting down server...")
		if err := app.ShutdownWithContext(context.Background()); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	}()

	slog.Info("Starting Linht PHY Manager", "address", addr)
	if err := app.Listen(addr); err != nil {
		slog.Error("Failed to start server", "error", err, "address", addr)
		shutdownPlugins(loaded)
		os.Exit(1)
	}
	shutdownPlugins(loaded)
}

func loadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}
	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func handleLogin(c *fiber.Ctx) error {
	var req struct {
		Password string `json:"password"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid request"})
	}

	if err := bcrypt.CompareHashAndPassword([]byte(config.Auth.PasswordHash), []byte(req.Password)); err != nil {
		slog.Warn("Failed login attempt", "ip", c.IP())
		return c.Status(401).JSON(fiber.Map{"error": "Invalid password"})
	}

	slog.Info("Successful login", "ip", c.IP())

	// New session replaces any existing one, the service is single-user
	session := &Session{
		Token:     generateToken(),
		ExpiresAt: time.Now().Add(SessionDuration),
	}
	sessionMu.Lock()
	currentSession = session
	sessionMu.Unlock()

	return c.JSON(fiber.Map{
		"success": true,
		"token":   session.Token,
		"expires": session.ExpiresAt.Unix(),
	})
}

func handleLogout(c *fiber.Ctx) error {
	sessionMu.Lock()
	currentSession = nil
	sessionMu.Unlock()
	slog.Info("User logged out", "ip", c.IP())
	return c.JSON(fiber.Map{"success": true})
}

func authMiddleware(c *fiber.Ctx) error {
	// Header first, query parameter for the websocket event stream
	token := c.Get("X-Auth-Token")
	if token == "" {
		token = c.Query("token")
	}

	if !validateToken(token) {
		return c.Status(401).JSON(fiber.Map{"error": "Unauthorized"})
	}
	return c.Next()
}

func validateToken(token string) bool {
	if token == "" {
		return false
	}

	sessionMu.RLock()
	defer sessionMu.RUnlock()

	if currentSession == nil || currentSession.Token != token {
		return false
	}
	return time.Now().Before(currentSession.ExpiresAt)
}

func generateToken() string {
	b := make([]byte, TokenBytes)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// pluginSections lists the configured plugins with their settings in file order
func pluginSections(node *yaml.Node) ([]string, []*yaml.Node, error) {
	var names []string
	var sections []*yaml.Node
	switch node.Kind {
	case 0:
	case yaml.SequenceNode:
		for _, item := range node.Content {
			names = append(names, item.Value)
			sections = append(sections, nil)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			names = append(names, node.Content[i].Value)
			sections = append(sections, node.Content[i+1])
		}
	default:
		return nil, nil, fmt.Errorf("plugins must be a list or a mapping (line %d)", node.Line)
	}
	return names, sections, nil
}

func initPlugins(app *fiber.App, logger *slog.Logger) ([]plugins.Plugin, error) {
	names, sections, err := pluginSections(&config.Plugins)
	if err != nil {
		return nil, err
	}

	var loaded []plugins.Plugin
	for i, name := range names {
		factory, exists := plugins.Get(name)
		if !exists {
			slog.Warn("Unknown plugin", "name", name, "available", plugins.Names())
			continue
		}

		plugin, err := factory(sections[i], logger)
		if err != nil {
			return loaded, fmt.Errorf("plugin %s: %w", name, err)
		}
		loaded = append(loaded, plugin)

		plugin.RegisterRoutes(app)
		slog.Info("Plugin loaded", "name", plugin.Name())
	}
	return loaded, nil
}

func shutdownPlugins(loaded []plugins.Plugin) {
	for i := len(loaded) - 1; i >= 0; i-- {
		if err := loaded[i].Shutdown(); err != nil {
			slog.Error("Plugin shutdown failed", "name", loaded[i].Name(), "error", err)
		}
	}
}
