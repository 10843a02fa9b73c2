package config

const (
	defaultContext     = "."
	defaultOutputPath  = "dist"
	defaultFilename    = "js/[name].js"
	defaultCSSFilename = "css/[name].css"
	defaultContentBase = "./"
	defaultPort        = 3002
	defaultCacheDir    = ".assetpipe"
	defaultOutputStyle = "expanded"
)

// normalize fills omitted settings. Omitted rule lists take the built-in
// rules; an explicitly empty list stays empty.
func (c *Config) normalize() {
	if c.Context == "" {
		c.Context = defaultContext
	}
	if c.Output.Path == "" {
		c.Output.Path = defaultOutputPath
	}
	if c.Output.Filename == "" {
		c.Output.Filename = defaultFilename
	}
	if c.Output.CSSFilename == "" {
		c.Output.CSSFilename = defaultCSSFilename
	}
	if c.Devtool == "" {
		c.Devtool = "none"
	}
	if c.DevServer.ContentBase == "" {
		c.DevServer.ContentBase = defaultContentBase
	}
	if c.DevServer.Port == 0 {
		c.DevServer.Port = defaultPort
	}
	if c.Mode == "" {
		c.Mode = ModeDevelopment
	}
	if c.OnError == "" {
		c.OnError = OnErrorAbort
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.Sass.OutputStyle == "" {
		c.Sass.OutputStyle = defaultOutputStyle
	}

	if c.Rules == nil || c.Optimize == nil {
		def := Default()
		if c.Rules == nil {
			c.Rules = def.Rules
		}
		if c.Optimize == nil {
			c.Optimize = def.Optimize
		}
	}
}
