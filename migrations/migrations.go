// Package migrations embeds the delayed_jobs DDL so it has a single
// source of truth: "djworker migrate" and the e2e test suite both apply
// the same embedded schema rather than each reading the .sql file off
// disk relative to their own package.
package migrations

import _ "embed"

//go:embed 0001_delayed_jobs.sql
var DelayedJobsSchema string
