package plugins

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gopkg.in/yaml.v3"

	"github.com/linht/phy-manager/phy"
	"github.com/linht/phy-manager/radio"
)

// Profile store constants
const (
	DefaultMaxBlobSize = 64 * 1024
	profileExt         = ".yaml"
	blobExt            = ".bin"
)

// ProfilesConfig holds the profiles plugin configuration
type ProfilesConfig struct {
	Dir         string `yaml:"dir"`
	MaxBlobSize int64  `yaml:"max_blob_size"`
}

// ProfilesPlugin manages the modulation profile descriptions and the
// register blobs they reference
type ProfilesPlugin struct {
	dir         string
	maxBlobSize int64
	log         *slog.Logger
}

// ProfileItem summarizes one stored profile
type ProfileItem struct {
	Name      string    `json:"name"`
	Valid     bool      `json:"valid"`
	Error     string    `json:"error,omitempty"`
	Frequency uint32    `json:"frequency,omitempty"`
	CRCLength uint8     `json:"crc_length"`
	Blob      string    `json:"blob,omitempty"`
	Blocks    int       `json:"blocks"`
	Modified  time.Time `json:"modified"`
}

// BlockItem describes one record of a register blob
type BlockItem struct {
	Addr  string `json:"addr"`
	Size  uint32 `json:"size"`
	Width string `json:"width"`
}

// NewProfilesPlugin creates the plugin, making the profile directory if needed
func NewProfilesPlugin(cfg ProfilesConfig, log *slog.Logger) (*ProfilesPlugin, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("dir is required in profiles plugin configuration")
	}
	if cfg.MaxBlobSize <= 0 {
		cfg.MaxBlobSize = DefaultMaxBlobSize
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	return &ProfilesPlugin{
		dir:         cfg.Dir,
		maxBlobSize: cfg.MaxBlobSize,
		log:         log.With("plugin", "profiles"),
	}, nil
}

// Name returns the plugin identifier
func (p *ProfilesPlugin) Name() string {
	return "profiles"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *ProfilesPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/profiles")

	api.Get("/", p.listProfiles)
	api.Post("/upload", p.uploadFile)
	api.Get("/blob/:file", p.describeBlob)
	api.Get("/download/:file", p.downloadFile)
	api.Get("/:name", p.loadProfile)
	api.Post("/:name", p.saveProfile)
	api.Delete("/:file", p.deleteFile)
}

// Shutdown performs cleanup
func (p *ProfilesPlugin) Shutdown() error {
	return nil
}

// checkFileName rejects anything but a plain file name inside the store
func checkFileName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid name %q", name)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid name %q: directory traversal not allowed", name)
	}
	return nil
}

// listProfiles handles GET /api/profiles
func (p *ProfilesPlugin) listProfiles(c *fiber.Ctx) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return SendError(c, 500, err)
	}

	items := make([]ProfileItem, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != profileExt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		item := ProfileItem{
			Name:     strings.TrimSuffix(entry.Name(), profileExt),
			Modified: info.ModTime(),
		}
		pr, err := phy.LoadProfile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			item.Error = err.Error()
		} else {
			item.Valid = true
			item.Frequency = pr.Frequency
			item.CRCLength = pr.CRCLength
			item.Blob = pr.Blob
			item.Blocks = pr.Config.Len()
		}
		items = append(items, item)
	}
	return SendSuccess(c, items, "")
}

// loadProfile handles GET /api/profiles/:name, returning the description
// with its keys in file order
func (p *ProfilesPlugin) loadProfile(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := checkFileName(name); err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}
	data, err := os.ReadFile(filepath.Join(p.dir, name+profileExt))
	if err != nil {
		if os.IsNotExist(err) {
			return SendErrorMessage(c, 404, "Profile not found")
		}
		return SendError(c, 500, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return SendError(c, 500, fmt.Errorf("failed to parse profile: %w", err))
	}
	return SendSuccess(c, yamlNodeToOrderedJSON(&root), "")
}

// saveProfile handles POST /api/profiles/:name. Keys of an existing
// description are updated in place so comments and order survive. The
// result must load as a valid profile or the file is left untouched.
func (p *ProfilesPlugin) saveProfile(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := checkFileName(name); err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}
	var values map[string]interface{}
	if err := c.BodyParser(&values); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	path := filepath.Join(p.dir, name+profileExt)
	var root yaml.Node
	orig, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(orig, &root); err != nil {
			return SendError(c, 500, fmt.Errorf("failed to parse profile: %w", err))
		}
	case os.IsNotExist(err):
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	default:
		return SendError(c, 500, err)
	}
	updateYAMLNode(&root, values)

	data, err := yaml.Marshal(&root)
	if err != nil {
		return SendError(c, 500, fmt.Errorf("failed to serialize profile: %w", err))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return SendError(c, 500, err)
	}
	if _, err := phy.LoadProfile(tmp); err != nil {
		os.Remove(tmp)
		return SendRadioError(c, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return SendError(c, 500, err)
	}
	p.log.Info("Profile saved", "name", name)
	return SendSuccess(c, nil, "Profile saved successfully")
}

// uploadFile handles POST /api/profiles/upload with a blob or a description
func (p *ProfilesPlugin) uploadFile(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return SendErrorMessage(c, 400, "No file provided")
	}
	if file.Size > p.maxBlobSize {
		return SendErrorMessage(c, 413, fmt.Sprintf("File too large (max %d bytes)", p.maxBlobSize))
	}
	filename := filepath.Base(file.Filename)
	if err := checkFileName(filename); err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}
	ext := filepath.Ext(filename)
	if ext != blobExt && ext != profileExt {
		return SendErrorMessage(c, 400, fmt.Sprintf("Only %s blobs and %s profiles are accepted", blobExt, profileExt))
	}

	f, err := file.Open()
	if err != nil {
		return SendError(c, 500, err)
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return SendError(c, 500, err)
	}

	if ext == blobExt {
		if _, err := radio.DecodeConfig(filename, buf.Bytes()); err != nil {
			return SendRadioError(c, err)
		}
	} else {
		var pr phy.Profile
		if err := yaml.Unmarshal(buf.Bytes(), &pr); err != nil {
			return SendErrorMessage(c, 400, fmt.Sprintf("Invalid profile: %v", err))
		}
	}

	if err := os.WriteFile(filepath.Join(p.dir, filename), buf.Bytes(), 0644); err != nil {
		return SendError(c, 500, err)
	}
	p.log.Info("Profile file uploaded", "file", filename, "bytes", buf.Len())
	return SendSuccess(c, nil, "File uploaded successfully")
}

// describeBlob handles GET /api/profiles/blob/:file
func (p *ProfilesPlugin) describeBlob(c *fiber.Ctx) error {
	name := c.Params("file")
	if err := checkFileName(name); err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return SendErrorMessage(c, 404, "Blob not found")
		}
		return SendError(c, 500, err)
	}
	cfg, err := radio.DecodeConfig(name, data)
	if err != nil {
		return SendRadioError(c, err)
	}
	blocks := make([]BlockItem, 0, cfg.Len())
	for _, b := range cfg.Blocks {
		blocks = append(blocks, BlockItem{
			Addr:  fmt.Sprintf("0x%05X", b.Addr),
			Size:  b.Size,
			Width: b.Width.String(),
		})
	}
	return SendSuccess(c, blocks, "")
}

// downloadFile handles GET /api/profiles/download/:file
func (p *ProfilesPlugin) downloadFile(c *fiber.Ctx) error {
	name := c.Params("file")
	if err := checkFileName(name); err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}
	path := filepath.Join(p.dir, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return SendErrorMessage(c, 404, "File not found")
		}
		return SendError(c, 500, err)
	}
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	return c.SendFile(path)
}

// deleteFile handles DELETE /api/profiles/:file
func (p *ProfilesPlugin) deleteFile(c *fiber.Ctx) error {
	name := c.Params("file")
	if err := checkFileName(name); err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}
	if err := os.Remove(filepath.Join(p.dir, name)); err != nil {
		if os.IsNotExist(err) {
			return SendErrorMessage(c, 404, "File not found")
		}
		return SendError(c, 500, err)
	}
	p.log.Info("Profile file deleted", "file", name)
	return SendSuccess(c, nil, "Deleted successfully")
}

// OrderedMap is a JSON object that keeps the key order of its YAML source
type OrderedMap struct {
	Keys   []string
	Values map[string]interface{}
}

// MarshalJSON implements json.Marshaler for OrderedMap
func (om *OrderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range om.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(om.Values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// yamlNodeToOrderedJSON converts a yaml.Node into JSON-ready values
func yamlNodeToOrderedJSON(node *yaml.Node) interface{} {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) > 0 {
			return yamlNodeToOrderedJSON(node.Content[0])
		}
		return nil
	case yaml.MappingNode:
		om := &OrderedMap{
			Keys:   make([]string, 0, len(node.Content)/2),
			Values: make(map[string]interface{}, len(node.Content)/2),
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			om.Keys = append(om.Keys, key)
			om.Values[key] = yamlNodeToOrderedJSON(node.Content[i+1])
		}
		return om
	case yaml.SequenceNode:
		out := make([]interface{}, len(node.Content))
		for i, item := range node.Content {
			out[i] = yamlNodeToOrderedJSON(item)
		}
		return out
	case yaml.AliasNode:
		if node.Alias != nil {
			return yamlNodeToOrderedJSON(node.Alias)
		}
		return nil
	case yaml.ScalarNode:
		var v interface{}
		if err := node.Decode(&v); err == nil {
			return v
		}
		return node.Value
	}
	return node.Value
}

// updateYAMLNode sets the top-level scalar keys of a mapping document,
// appending keys the document does not have yet
func updateYAMLNode(doc *yaml.Node, values map[string]interface{}) {
	m := doc
	if m.Kind == yaml.DocumentNode {
		if len(m.Content) == 0 {
			m.Content = []*yaml.Node{{Kind: yaml.MappingNode}}
		}
		m = m.Content[0]
	}
	if m.Kind != yaml.MappingNode {
		return
	}
	seen := make(map[string]bool, len(values))
	for i := 0; i+1 < len(m.Content); i += 2 {
		key := m.Content[i].Value
		if v, ok := values[key]; ok {
			setScalar(m.Content[i+1], v)
			seen[key] = true
		}
	}
	for key, v := range values {
		if seen[key] {
			continue
		}
		val := &yaml.Node{}
		setScalar(val, v)
		m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, val)
	}
}

// setScalar rewrites node as the scalar v, JSON numbers becoming YAML ints
// when they are whole
func setScalar(node *yaml.Node, v interface{}) {
	node.Kind = yaml.ScalarNode
	node.Style = 0
	node.Content = nil
	switch v := v.(type) {
	case string:
		node.Value, node.Tag = v, "!!str"
	case bool:
		node.Value, node.Tag = fmt.Sprintf("%t", v), "!!bool"
	case float64:
		if v == float64(int64(v)) {
			node.Value, node.Tag = fmt.Sprintf("%d", int64(v)), "!!int"
		} else {
			node.Value, node.Tag = fmt.Sprintf("%g", v), "!!float"
		}
	case nil:
		node.Value, node.Tag = "null", "!!null"
	default:
		node.Value, node.Tag = fmt.Sprintf("%v", v), ""
	}
}

// Register the plugin
func init() {
	Register("profiles", func(section *yaml.Node, log *slog.Logger) (Plugin, error) {
		cfg := ProfilesConfig{Dir: "profiles"}
		if err := decodeSection(section, &cfg); err != nil {
			return nil, fmt.Errorf("invalid config for profiles plugin: %w", err)
		}
		return NewProfilesPlugin(cfg, log)
	})
}
