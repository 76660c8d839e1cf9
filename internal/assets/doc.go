// Package assets serves the client build's static files: everything under
// the hashed /assets/ prefix plus a short allow-list of root files such as
// the favicon.
//
// Every request path is joined onto the build root, cleaned, and required to
// stay inside it, first lexically and then again after resolving symlinks.
// Anything that escapes is Forbidden. Hashed assets are cached immutably;
// other files get a short max-age so they can change in place.
package assets
