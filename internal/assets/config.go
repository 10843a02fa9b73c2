package assets

// Option customizes a Pipeline beyond its configuration file.
type Option func(*Pipeline)

// WithKeepGoing overrides on_error: true skips failed files and reports
// them in the result instead of aborting the build.
func WithKeepGoing(keepGoing bool) Option {
	return func(p *Pipeline) {
		p.keepGoing = keepGoing
	}
}

// WithStrict overrides strict: files matching no rule fail the build.
func WithStrict(strict bool) Option {
	return func(p *Pipeline) {
		p.strict = strict
	}
}

// WithWorkers overrides the worker pool size; values below one are ignored.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithMinify overrides the script minification implied by the build mode.
func WithMinify(minify bool) Option {
	return func(p *Pipeline) {
		p.minify = &minify
	}
}
