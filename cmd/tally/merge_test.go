package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetorian-inc/tally/pkg/store"
	"github.com/praetorian-inc/tally/pkg/types"
)

// newMergeCmd creates a fresh merge command for testing
func newMergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <source1.db> <source2.db> [source3.db...]",
		Short: "Merge multiple catalog databases",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runMerge,
	}
	cmd.Flags().StringVarP(&mergeOutput, "output", "o", "merged.db", "Output database path")
	return cmd
}

func TestMergeCmd_RequiresMinimumArgs(t *testing.T) {
	cmd := newMergeCmd()
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 2 arg")

	cmd = newMergeCmd()
	cmd.SetArgs([]string{"source1.db"})
	err = cmd.Execute()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 2 arg")
}

func TestMergeCmd_MergesTwoDatabases(t *testing.T) {
	// Arrange
	tmpDir := t.TempDir()
	source1Path := filepath.Join(tmpDir, "source1.db")
	seedDatabase(t, source1Path, map[string]string{
		"one.txt": "100  2023-01-01 00:00  /a/b/1.log\n200  2023-01-02 00:00  /a/c/2.log\n",
	})
	source2Path := filepath.Join(tmpDir, "source2.db")
	seedDatabase(t, source2Path, map[string]string{
		"two.txt": "150  2023-01-03 00:00  /a/b/1.log\n-  2023-01-03 00:00  /a/d/3.iso\n",
	})

	// Act
	destPath := filepath.Join(tmpDir, "merged.db")
	var buf bytes.Buffer
	cmd := newMergeCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{source1Path, source2Path, "--output", destPath})

	err := cmd.Execute()
	require.NoError(t, err)

	// Assert
	output := buf.String()
	assert.Contains(t, output, "Merge complete:")
	assert.Contains(t, output, "Sources processed: 2")
	assert.Contains(t, output, "Records added: 3")
	assert.Contains(t, output, "Conflicts: 1")
	assert.Contains(t, output, "Output: "+destPath)

	dest, err := store.New(store.Config{Path: destPath})
	require.NoError(t, err)
	defer dest.Close()

	records, err := dest.GetRecords()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, types.Size(100), records[0].Size, "the first stored size wins")
	assert.Equal(t, []string{"one.txt", "two.txt"}, records[0].SourceIDs)

	blocks, err := dest.BlockCount()
	require.NoError(t, err)
	assert.Equal(t, 4, blocks)
}

func TestMergeCmd_MissingSource(t *testing.T) {
	tmpDir := t.TempDir()
	source1Path := filepath.Join(tmpDir, "source1.db")
	seedDatabase(t, source1Path, nil)

	cmd := newMergeCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{source1Path, filepath.Join(tmpDir, "nope.db"), "-o", filepath.Join(tmpDir, "merged.db")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source database not found")
}
