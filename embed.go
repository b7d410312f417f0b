package chatbaseui

import "embed"

// TemplateFS contains the embedded HTML templates of the chat console, split into layouts, pages, and
// partial views.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the script and stylesheet served under /static/.
//
//go:embed static/*
var StaticFS embed.FS
