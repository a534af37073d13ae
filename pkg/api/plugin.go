package api

// Plugin is a marker for named, pluggable components (services, networks,
// carriers). Concrete registries live in their own packages.
type Plugin interface{ Name() string }
