// Package intent classifies message text into an intent with a
// confidence score. Classification is rule based: an ordered rule set of
// keyword lists and regular expressions, command detection for messages
// starting with a command marker, and lightweight entity extraction
// (time words, city names, numbers). Classify is deterministic and does
// no I/O.
package intent
