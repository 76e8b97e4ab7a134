// Package crawler holds the shared vocabulary of the email crawler: work
// items, results, the collaborator interfaces the scheduler and sessions are
// written against, the error taxonomy, and small helpers for URLs, robots.txt,
// blocklists, retry backoff and per-session politeness.
package crawler
