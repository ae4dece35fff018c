package domain

// ProjectID identifies a project. It is also the workflow thread id.
type ProjectID string
